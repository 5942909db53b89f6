package tts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
)

// Callbacks observe the lifecycle of each utterance. Any may be nil.
type Callbacks struct {
	OnStart func(speechID string)
	OnEnd   func(speechID string)
	OnError func(speechID string, err error)
}

// Speaker speaks text through a Synthesizer and streams the audio to the
// configured playback target over the bus. Only one utterance plays at a
// time; a new Speak cancels the previous one.
type Speaker struct {
	cfg       config.TTSConfig
	synth     Synthesizer
	bus       *bus.Client
	logger    *slog.Logger
	voice     string
	callbacks Callbacks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *utterance
}

type utterance struct {
	id     string
	cancel context.CancelFunc
}

func NewSpeaker(parent context.Context, cfg config.TTSConfig, synth Synthesizer, busClient *bus.Client, callbacks Callbacks, logger *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	voice := SelectVoice(cfg.Voices, cfg.PreferredVoices)
	return &Speaker{
		cfg:       cfg,
		synth:     synth,
		bus:       busClient,
		logger:    logger.With(slog.String("component", "tts-speaker"), slog.String("voice", voice)),
		voice:     voice,
		callbacks: callbacks,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Voice is the voice chosen from the configured preferences.
func (s *Speaker) Voice() string { return s.voice }

// Speaking reports whether an utterance is playing.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Speak cancels any ongoing speech and starts speaking text. It returns the
// utterance ID, or "" when text is blank or the speaker is disabled.
func (s *Speaker) Speak(text string) string {
	if !s.cfg.Enabled || strings.TrimSpace(text) == "" {
		return ""
	}
	s.Cancel()

	ctx, cancel := context.WithCancel(s.ctx)
	u := &utterance{id: uuid.NewString(), cancel: cancel}
	s.mu.Lock()
	s.current = u
	s.mu.Unlock()

	req := SynthRequest{
		SpeechID: u.id,
		Text:     text,
		Voice:    s.voice,
		Rate:     s.cfg.Rate,
		Pitch:    s.cfg.Pitch,
		Volume:   s.cfg.Volume,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.play(ctx, u, req)
	}()
	return u.id
}

// Cancel stops the current utterance, if any.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	u := s.current
	s.current = nil
	s.mu.Unlock()
	if u != nil {
		u.cancel()
	}
}

// Close cancels speech and waits for playback goroutines to exit.
func (s *Speaker) Close() {
	s.Cancel()
	s.cancel()
	s.wg.Wait()
}

func (s *Speaker) play(ctx context.Context, u *utterance, req SynthRequest) {
	s.publishStatus(u.id, "started", nil)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(u.id)
	}

	chunks, errs := s.synth.Synthesize(ctx, req)
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.publishChunk(u.id, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		}
	}

	s.mu.Lock()
	if s.current == u {
		s.current = nil
	}
	s.mu.Unlock()

	switch {
	case synthErr != nil && errors.Is(synthErr, context.Canceled):
		s.publishStatus(u.id, "cancelled", nil)
		if s.callbacks.OnEnd != nil {
			s.callbacks.OnEnd(u.id)
		}
	case synthErr != nil:
		s.logger.Warn("tts synthesis error", slogError(synthErr))
		s.publishStatus(u.id, "failed", synthErr)
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(u.id, synthErr)
		}
	default:
		s.publishStatus(u.id, "completed", nil)
		if s.callbacks.OnEnd != nil {
			s.callbacks.OnEnd(u.id)
		}
	}
}

func (s *Speaker) publishChunk(speechID string, chunk SynthChunk) {
	if s.bus == nil {
		return
	}
	packet := protocol.AudioChunk{
		SpeechID:   speechID,
		Target:     s.cfg.Target,
		Voice:      s.voice,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.Subject(protocol.SubjectTTSAudioPrefix, s.cfg.Target), packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Speaker) publishStatus(speechID, state string, err error) {
	if s.bus == nil {
		return
	}
	status := protocol.SpeechStatus{SpeechID: speechID, Target: s.cfg.Target, State: state, Timestamp: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSStatus, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
