package backend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type mockClient struct{}

// NewMockClient returns a backend that opens sessions locally and echoes
// questions back. It lets the runtime run without a chat service.
func NewMockClient() Client { return &mockClient{} }

func (m *mockClient) CreateSession(ctx context.Context, clientID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", wrap(SessionCreationFailed, 0, ctx.Err())
	case <-time.After(10 * time.Millisecond):
	}
	return "mock-" + uuid.NewString(), nil
}

func (m *mockClient) Ask(ctx context.Context, sessionID, question string) (string, error) {
	select {
	case <-ctx.Done():
		return "", wrap(SendFailed, 0, ctx.Err())
	case <-time.After(20 * time.Millisecond):
	}
	q := strings.TrimSpace(question)
	if strings.Contains(strings.ToLower(q), "diagram") {
		return "[mock answer for " + q + "] [Open Interactive Diagram](/diagram)", nil
	}
	return "[mock answer for " + q + "]", nil
}
