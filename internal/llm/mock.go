package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	// Answer the last line of the prompt so transcripts stay readable.
	prompt := strings.TrimSpace(req.Prompt)
	if i := strings.LastIndex(prompt, "User: "); i >= 0 {
		prompt = strings.TrimSuffix(strings.TrimSpace(prompt[i+len("User: "):]), "Assistant:")
	}
	return consumer(Chunk{
		Content: "[local answer for " + strings.TrimSpace(prompt) + "]",
		Latency: 5 * time.Millisecond,
	})
}
