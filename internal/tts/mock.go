package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

// Synthesize emits one silent frame per word, then a final empty chunk.
func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		words := len(strings.Fields(req.Text))
		for i := 0; i <= words; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(10 * time.Millisecond):
			}
			chunk := SynthChunk{
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				Final:      i == words,
			}
			if !chunk.Final {
				chunk.PCM = make([]byte, 2*m.sampleRate/50)
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
