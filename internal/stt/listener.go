package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Listener is the speech-recognition capability consumed by the voice
// controller. Listen delivers the cumulative live transcript until ctx is
// cancelled, after which the channel is closed.
type Listener interface {
	Supported() bool
	MicrophoneAvailable(ctx context.Context) bool
	Listen(ctx context.Context) (<-chan string, error)
}

// BusListener follows the transcripts one capture device publishes on the bus.
type BusListener struct {
	bus          *bus.Client
	device       string
	probeTimeout time.Duration
	logger       *slog.Logger
}

func NewBusListener(busClient *bus.Client, device string, probeTimeout time.Duration, logger *slog.Logger) *BusListener {
	if probeTimeout <= 0 {
		probeTimeout = 250 * time.Millisecond
	}
	return &BusListener{
		bus:          busClient,
		device:       device,
		probeTimeout: probeTimeout,
		logger:       logger.With(slog.String("component", "stt-listener"), slog.String("device", device)),
	}
}

// Supported reports whether transcripts can reach this process at all.
func (l *BusListener) Supported() bool {
	return l.bus.Healthy()
}

// MicrophoneAvailable asks the capture device whether it is live.
func (l *BusListener) MicrophoneAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()

	msg, err := l.bus.Conn().RequestWithContext(ctx, protocol.Subject(protocol.SubjectMicProbePrefix, l.device), nil)
	if err != nil {
		l.logger.Debug("mic probe failed", slogError(err))
		return false
	}
	var status protocol.MicStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		l.logger.Warn("invalid mic status", slogError(err))
		return false
	}
	return status.Available
}

func (l *BusListener) Listen(ctx context.Context) (<-chan string, error) {
	msgs := make(chan *nats.Msg, 64)
	partial, err := l.bus.Conn().ChanSubscribe(protocol.Subject(protocol.SubjectTranscriptPartialPrefix, l.device), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe partial transcripts: %w", err)
	}
	final, err := l.bus.Conn().ChanSubscribe(protocol.Subject(protocol.SubjectTranscriptFinalPrefix, l.device), msgs)
	if err != nil {
		_ = partial.Unsubscribe()
		return nil, fmt.Errorf("subscribe final transcripts: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() {
			_ = partial.Unsubscribe()
			_ = final.Unsubscribe()
		}()

		var acc Accumulator
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var tr protocol.Transcript
				if err := json.Unmarshal(msg.Data, &tr); err != nil {
					l.logger.Warn("failed to decode transcript", slogError(err))
					continue
				}
				text, changed := acc.Apply(tr.Text, !tr.Partial)
				if !changed {
					continue
				}
				select {
				case out <- text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Accumulator joins finalized segments and the open partial into one live
// transcript.
type Accumulator struct {
	segments []string
	partial  string
}

// Apply folds an update in and reports the transcript and whether it changed.
func (a *Accumulator) Apply(text string, final bool) (string, bool) {
	before := a.String()
	text = strings.TrimSpace(text)
	if final {
		if text != "" {
			a.segments = append(a.segments, text)
		}
		a.partial = ""
	} else {
		a.partial = text
	}
	after := a.String()
	return after, after != before
}

func (a *Accumulator) String() string {
	parts := a.segments
	if a.partial != "" {
		parts = append(parts[:len(parts):len(parts)], a.partial)
	}
	return strings.Join(parts, " ")
}
