package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type httpClient struct {
	endpoint string
	client   *http.Client
	tracer   trace.Tracer
	now      func() time.Time
}

type createSessionRequest struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

type chatResponse struct {
	Answer string `json:"answer"`
}

func NewHTTPClient(cfg config.BackendConfig) Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		tracer:   otel.Tracer("github.com/loqalabs/loqa-chat/backend"),
		now:      time.Now,
	}
}

func (c *httpClient) CreateSession(ctx context.Context, clientID string) (string, error) {
	var resp createSessionResponse
	payload := createSessionRequest{ClientID: clientID, Timestamp: c.now().UnixMilli()}
	status, err := c.post(ctx, "/session/create", payload, &resp)
	if err != nil {
		return "", wrap(SessionCreationFailed, status, err)
	}
	if resp.SessionID == "" {
		return "", wrap(SessionCreationFailed, status, fmt.Errorf("session response missing session_id"))
	}
	return resp.SessionID, nil
}

func (c *httpClient) Ask(ctx context.Context, sessionID, question string) (string, error) {
	var resp chatResponse
	status, err := c.post(ctx, "/chat", chatRequest{SessionID: sessionID, Question: question}, &resp)
	if err != nil {
		return "", wrap(SendFailed, status, err)
	}
	return resp.Answer, nil
}

// post returns the HTTP status it observed, or 0 when no response arrived.
func (c *httpClient) post(ctx context.Context, path string, payload, out any) (int, error) {
	ctx, span := c.tracer.Start(ctx, "backend.post", trace.WithAttributes(attribute.String("http.route", path)))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")
	req.Header.Set("X-Request-ID", c.requestID())

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return 0, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return resp.StatusCode, err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (c *httpClient) requestID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s", c.now().UnixMilli(), id[:9])
}
