// Package bustest starts an embedded NATS server for tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/natsserver"
)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Connect starts a server on a random port and returns a connected client.
// Both are torn down with the test.
func Connect(t testing.TB) *bus.Client {
	t.Helper()
	es, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(es.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{es.ClientURL()},
		ConnectTimeout: 2000,
	}, "loqa-chat-test", Logger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
