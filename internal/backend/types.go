package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/llm"
)

// Client talks to the remote chat service.
type Client interface {
	CreateSession(ctx context.Context, clientID string) (string, error)
	Ask(ctx context.Context, sessionID, question string) (string, error)
}

// Kind classifies backend failures.
type Kind string

const (
	SessionCreationFailed Kind = "session_creation_failed"
	SendFailed            Kind = "send_failed"
)

// Error describes a failed backend call. Network is set when the request
// never produced an HTTP response.
type Error struct {
	Kind    Kind
	Status  int
	Network bool
	Err     error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Network
	}
	return isTransport(err)
}

func isTransport(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func wrap(kind Kind, status int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Status: status, Network: status == 0 && isTransport(err), Err: err}
}

func statusError(status int) error {
	return fmt.Errorf("HTTP error! status: %d", status)
}

// New builds the client selected by cfg.Mode.
func New(cfg config.BackendConfig) (Client, error) {
	switch cfg.Mode {
	case "http", "":
		return NewHTTPClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	case "llm":
		gen, err := llm.New(cfg.LLM, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return NewLLMClient(gen, cfg.LLM), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}
