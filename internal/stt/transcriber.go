package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Transcriber is the capture-device side of speech recognition. It buffers
// audio frames for one device, runs the recognizer over the buffer and
// publishes partial and final transcripts. It also answers microphone probes.
type Transcriber struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger

	mu    sync.Mutex
	state utteranceState

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

type utteranceState struct {
	Buffer       []byte
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewTranscriber(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Transcriber {
	ctx, cancel := context.WithCancel(parent)
	return &Transcriber{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt-transcriber"), slog.String("device", cfg.Device)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (t *Transcriber) Start() error {
	if !t.cfg.Enabled {
		return nil
	}
	frames, err := t.bus.Conn().Subscribe(protocol.Subject(protocol.SubjectAudioFramePrefix, t.cfg.Device), t.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	t.subs = append(t.subs, frames)

	probes, err := t.bus.Conn().Subscribe(protocol.Subject(protocol.SubjectMicProbePrefix, t.cfg.Device), t.handleProbe)
	if err != nil {
		_ = frames.Drain()
		return fmt.Errorf("subscribe mic probes: %w", err)
	}
	t.subs = append(t.subs, probes)
	t.ready = true
	return nil
}

func (t *Transcriber) Close() {
	t.cancel()
	for _, sub := range t.subs {
		_ = sub.Drain()
	}
	t.wg.Wait()
}

func (t *Transcriber) Healthy() bool {
	return !t.cfg.Enabled || t.ready
}

func (t *Transcriber) handleProbe(msg *nats.Msg) {
	status := protocol.MicStatus{Device: t.cfg.Device, Available: true, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Warn("failed to answer mic probe", slogError(err))
	}
}

func (t *Transcriber) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		t.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	t.mu.Lock()
	t.state.Buffer = append(t.state.Buffer, frame.PCM...)
	t.mu.Unlock()

	if t.cfg.PublishInterim && !frame.Final && t.partialDue() {
		t.schedule(false)
	}
	if frame.Final {
		t.schedule(true)
	}
}

func (t *Transcriber) partialDue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Inflight {
		return false
	}
	if t.state.LastPartial.IsZero() {
		t.state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(t.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(t.state.LastPartial) >= interval {
		t.state.LastPartial = time.Now()
		return true
	}
	return false
}

func (t *Transcriber) schedule(final bool) {
	t.mu.Lock()
	if t.state.Inflight {
		if final {
			t.state.PendingFinal = true
		}
		t.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), t.state.Buffer...)
	t.state.Inflight = true
	if final {
		t.state = utteranceState{Inflight: true}
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, 45*time.Second)
		defer cancel()

		result, err := t.recognizer.Transcribe(ctx, pcm, t.cfg.SampleRate, t.cfg.Channels, final)
		if err != nil {
			t.logger.Warn("stt transcription failed", slogError(err))
		} else {
			t.publish(result, final)
		}

		t.mu.Lock()
		t.state.Inflight = false
		pendingFinal := t.state.PendingFinal
		t.state.PendingFinal = false
		if !final {
			t.state.LastPartial = time.Now()
		}
		t.mu.Unlock()

		if pendingFinal {
			t.schedule(true)
		}
	}()
}

func (t *Transcriber) publish(result TranscriptResult, final bool) {
	if result.Text == "" {
		return
	}
	prefix := protocol.SubjectTranscriptPartialPrefix
	if final {
		prefix = protocol.SubjectTranscriptFinalPrefix
	}
	msg := protocol.Transcript{
		Device:     t.cfg.Device,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := t.bus.PublishJSON(protocol.Subject(prefix, t.cfg.Device), msg); err != nil {
		t.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
