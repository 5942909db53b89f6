package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/llm"
	"github.com/stretchr/testify/require"
)

type recordingGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (g *recordingGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	n := len(g.prompts)
	g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{Content: " answer " + strings.Repeat("!", n) + " "})
}

func TestLLMClientKeepsRecentTurns(t *testing.T) {
	gen := &recordingGenerator{}
	client := NewLLMClient(gen, config.LLMConfig{HistoryTurns: 1})
	ctx := context.Background()

	sid, err := client.CreateSession(ctx, "client")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sid, "local-"))

	answer, err := client.Ask(ctx, sid, "one")
	require.NoError(t, err)
	require.Equal(t, "answer !", answer)
	_, err = client.Ask(ctx, sid, "two")
	require.NoError(t, err)
	_, err = client.Ask(ctx, sid, "three")
	require.NoError(t, err)

	require.Equal(t, "User: one\nAssistant:", gen.prompts[0])
	require.Equal(t, "User: one\nAssistant: answer !\nUser: two\nAssistant:", gen.prompts[1])
	require.Equal(t, "User: two\nAssistant: answer !!\nUser: three\nAssistant:", gen.prompts[2])
}

func TestLLMClientErrors(t *testing.T) {
	gen := &recordingGenerator{err: errors.New("model not loaded")}
	client := NewLLMClient(gen, config.LLMConfig{})
	ctx := context.Background()

	_, err := client.Ask(ctx, "missing", "hi")
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, SendFailed, be.Kind)

	sid, err := client.CreateSession(ctx, "client")
	require.NoError(t, err)
	_, err = client.Ask(ctx, sid, "hi")
	require.ErrorAs(t, err, &be)
	require.False(t, be.Network)
	require.EqualError(t, err, "model not loaded")
}

func TestNewLLMMode(t *testing.T) {
	client, err := New(config.BackendConfig{Mode: "llm", TimeoutMS: 1000, LLM: config.LLMConfig{Mode: "mock"}})
	require.NoError(t, err)
	sid, err := client.CreateSession(context.Background(), "x")
	require.NoError(t, err)
	answer, err := client.Ask(context.Background(), sid, "hello")
	require.NoError(t, err)
	require.Equal(t, "[local answer for hello]", answer)
}

func TestLLMClientEvictsOldestSessions(t *testing.T) {
	client := NewLLMClient(&recordingGenerator{}, config.LLMConfig{HistoryTurns: 2}).(*llmClient)
	client.maxSessions = 2
	ctx := context.Background()

	first, err := client.CreateSession(ctx, "client")
	require.NoError(t, err)
	second, err := client.CreateSession(ctx, "client")
	require.NoError(t, err)
	third, err := client.CreateSession(ctx, "client")
	require.NoError(t, err)

	require.Len(t, client.sessions, 2)
	require.Len(t, client.order, 2)

	_, err = client.Ask(ctx, first, "hi")
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, SendFailed, be.Kind)

	_, err = client.Ask(ctx, second, "hi")
	require.NoError(t, err)
	_, err = client.Ask(ctx, third, "hi")
	require.NoError(t, err)
}
