package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	seconds := 0.0
	if sampleRate > 0 && channels > 0 {
		seconds = float64(len(pcm)/2) / float64(sampleRate*channels)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("heard %.1f seconds of audio", seconds),
		Confidence: 0,
	}, nil
}
