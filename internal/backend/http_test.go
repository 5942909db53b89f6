package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.BackendConfig{Mode: "http", Endpoint: srv.URL + "/", TimeoutMS: 2000})
}

func TestCreateSessionSendsClientID(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/create", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "no-cache, no-store, must-revalidate", r.Header.Get("Cache-Control"))
		require.Equal(t, "no-cache", r.Header.Get("Pragma"))
		require.Equal(t, "0", r.Header.Get("Expires"))
		require.Regexp(t, `^\d+-[0-9a-f]{9}$`, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"session_id":"sess-1"}`))
	})

	id, err := client.CreateSession(context.Background(), "client-abc")
	require.NoError(t, err)
	require.Equal(t, "sess-1", id)
	require.Equal(t, "client-abc", got["client_id"])
	require.NotZero(t, got["timestamp"])
}

func TestAskPostsQuestion(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, chatRequest{SessionID: "sess-1", Question: "hello"}, body)
		_, _ = w.Write([]byte(`{"answer":"hi there"}`))
	})

	answer, err := client.Ask(context.Background(), "sess-1", "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", answer)
}

func TestAskStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Ask(context.Background(), "sess-1", "hello")
	require.Error(t, err)
	var be *Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, SendFailed, be.Kind)
	require.Equal(t, http.StatusBadGateway, be.Status)
	require.False(t, be.Network)
	require.Equal(t, "HTTP error! status: 502", err.Error())
}

func TestCreateSessionNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	client := NewHTTPClient(config.BackendConfig{Endpoint: endpoint, TimeoutMS: 500})
	_, err := client.CreateSession(context.Background(), "client-abc")
	require.Error(t, err)
	require.True(t, IsNetwork(err))
	var be *Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, SessionCreationFailed, be.Kind)
}

func TestCreateSessionRejectsEmptyID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := client.CreateSession(context.Background(), "client-abc")
	require.Error(t, err)
	require.False(t, IsNetwork(err))
}

func TestMockClient(t *testing.T) {
	client, err := New(config.BackendConfig{Mode: "mock"})
	require.NoError(t, err)
	id, err := client.CreateSession(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "mock-"))
	answer, err := client.Ask(context.Background(), id, " show me a diagram ")
	require.NoError(t, err)
	require.Contains(t, answer, "[Open Interactive Diagram](/diagram)")
}
