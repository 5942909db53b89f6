package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SpeechID string
	Text     string
	Voice    string
	Rate     float64
	Pitch    float64
	Volume   float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// NewSynthesizer builds the synthesizer selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// SelectVoice returns the first voice whose name contains one of the
// preferred substrings, or "" to let the synthesizer pick its default.
func SelectVoice(voices, preferred []string) string {
	for _, v := range voices {
		for _, p := range preferred {
			if p != "" && strings.Contains(v, p) {
				return v
			}
		}
	}
	return ""
}
