// Package llm runs prompts against a local language model. It backs the
// chat backend's llm mode, which answers without a remote chat service.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the generator selected by cfg.Mode. timeout bounds HTTP calls.
func New(cfg config.LLMConfig, timeout time.Duration) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, &http.Client{Timeout: timeout}), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock", "":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// Collect runs req to completion and returns the concatenated output.
func Collect(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
