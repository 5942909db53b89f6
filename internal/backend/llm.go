package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/llm"
)

type turn struct {
	question string
	answer   string
}

// maxLocalSessions bounds the in-memory histories. Widgets abandon a session
// on every search type switch without closing it, so the oldest are evicted.
const maxLocalSessions = 32

// llmClient answers locally with a language model. Sessions live in memory
// and carry the last few exchanges as prompt context.
type llmClient struct {
	gen llm.Generator
	cfg config.LLMConfig

	mu          sync.Mutex
	sessions    map[string][]turn
	order       []string
	maxSessions int
}

func NewLLMClient(gen llm.Generator, cfg config.LLMConfig) Client {
	return &llmClient{gen: gen, cfg: cfg, sessions: make(map[string][]turn), maxSessions: maxLocalSessions}
}

func (c *llmClient) CreateSession(ctx context.Context, clientID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", wrap(SessionCreationFailed, 0, err)
	}
	id := "local-" + uuid.NewString()
	c.mu.Lock()
	c.sessions[id] = nil
	c.order = append(c.order, id)
	for len(c.order) > c.maxSessions {
		delete(c.sessions, c.order[0])
		c.order = c.order[1:]
	}
	c.mu.Unlock()
	return id, nil
}

func (c *llmClient) Ask(ctx context.Context, sessionID, question string) (string, error) {
	c.mu.Lock()
	history, ok := c.sessions[sessionID]
	history = append([]turn(nil), history...)
	c.mu.Unlock()
	if !ok {
		return "", wrap(SendFailed, 0, fmt.Errorf("unknown session %q", sessionID))
	}

	answer, err := llm.Collect(ctx, c.gen, llm.Request{
		Prompt:      buildPrompt(history, question),
		System:      c.cfg.System,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", wrap(SendFailed, 0, err)
	}

	c.mu.Lock()
	if _, ok := c.sessions[sessionID]; ok {
		history = append(history, turn{question: question, answer: answer})
		if n := c.cfg.HistoryTurns; n > 0 && len(history) > n {
			history = history[len(history)-n:]
		} else if n == 0 {
			history = nil
		}
		c.sessions[sessionID] = history
	}
	c.mu.Unlock()
	return answer, nil
}

func buildPrompt(history []turn, question string) string {
	var b strings.Builder
	for _, t := range history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.question, t.answer)
	}
	fmt.Fprintf(&b, "User: %s\nAssistant:", question)
	return b.String()
}
