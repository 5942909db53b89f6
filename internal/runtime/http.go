package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/diagram"
	"github.com/loqalabs/loqa-chat/internal/presence"
	"github.com/loqalabs/loqa-chat/internal/voice"
)

// Handler returns the HTTP surface of the widget.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", r.handlePage)
	mux.HandleFunc("GET /api/state", r.handleState)
	mux.HandleFunc("POST /api/search-type", r.handleSearchType)
	mux.HandleFunc("POST /api/messages", r.handleMessage)
	mux.HandleFunc("POST /api/voice/start", r.handleVoiceStart)
	mux.HandleFunc("POST /api/voice/stop", r.handleVoiceStop)
	mux.HandleFunc("POST /api/voice/interrupt", r.handleVoiceInterrupt)
	mux.HandleFunc("POST /api/speech/toggle", r.handleSpeechToggle)
	mux.HandleFunc("GET /api/history", r.handleHistory)
	mux.HandleFunc("GET /api/sessions", r.handleSessions)
	mux.HandleFunc("GET /api/nodes", r.handleNodes)
	mux.HandleFunc("GET /diagram", r.handleDiagram)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	return mux
}

type searchTypeView struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type diagramView struct {
	Link       string `json:"link"`
	URL        string `json:"url,omitempty"`
	Embeddable bool   `json:"embeddable"`
}

// Href is the resolved target, or the raw link when it could not be resolved.
func (d diagramView) Href() string {
	if d.URL != "" {
		return d.URL
	}
	return d.Link
}

type messageView struct {
	Role      chat.Role    `json:"role"`
	Text      string       `json:"text"`
	Body      string       `json:"body"`
	Diagram   *diagramView `json:"diagram,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type stateView struct {
	SearchTypes  []searchTypeView `json:"search_types"`
	SearchType   string           `json:"search_type,omitempty"`
	DiagramTitle string           `json:"diagram_title"`
	SessionID    string           `json:"session_id,omitempty"`
	Messages     []messageView    `json:"messages"`
	Banner       string           `json:"banner,omitempty"`
	Processing   bool             `json:"processing"`
	Voice        voice.Snapshot   `json:"voice"`
	Speaking     bool             `json:"speaking"`
}

type errorView struct {
	Error string `json:"error"`
}

func (r *Runtime) state() stateView {
	w := r.widget
	view := stateView{
		SearchType:   w.SearchType().Value,
		DiagramTitle: r.cfg.Diagram.Title,
		SessionID:    w.SessionID(),
		Banner:       w.Banner(),
		Processing:   w.Busy(),
		Voice:        r.voice.Snapshot(),
		Speaking:     w.Speaking(),
		Messages:     []messageView{},
	}
	for _, st := range w.SearchTypes() {
		view.SearchTypes = append(view.SearchTypes, searchTypeView{Value: st.Value, Label: st.Label})
	}
	for _, m := range w.Messages() {
		view.Messages = append(view.Messages, r.messageView(m))
	}
	return view
}

// messageView splits bot answers around the diagram marker. Body is the text
// shown before the link; user messages are shown verbatim.
func (r *Runtime) messageView(m chat.Message) messageView {
	mv := messageView{Role: m.Role, Text: m.Text, Body: m.Text, CreatedAt: m.CreatedAt}
	if m.Role != chat.RoleBot {
		return mv
	}
	answer := diagram.Parse(m.Text)
	if !answer.HasDiagram {
		return mv
	}
	mv.Body = answer.Text
	dv := &diagramView{Link: answer.Link}
	if answer.Link != "" {
		doc, err := diagram.Resolve(r.cfg.Diagram.BaseURL, answer.Link)
		if err != nil {
			r.logger.Debug("diagram link not resolvable", slog.String("link", answer.Link), slog.String("error", err.Error()))
		} else {
			dv.URL = doc.URL
			dv.Embeddable = doc.Embeddable
		}
	}
	mv.Diagram = dv
	return mv
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.state())
}

func (r *Runtime) handleSearchType(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SearchType string `json:"search_type"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	if err := r.widget.SelectSearchType(detach(req), body.SearchType); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, chat.ErrUnknownSearchType) {
			status = http.StatusBadRequest
		} else if errors.Is(err, chat.ErrSessionReplaced) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorView{Error: r.widget.Banner()})
		return
	}
	writeJSON(w, http.StatusOK, r.state())
}

func (r *Runtime) handleMessage(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, req, &body) {
		return
	}
	err := r.widget.Send(detach(req), body.Text)
	switch {
	case errors.Is(err, chat.ErrNoSession):
		writeJSON(w, http.StatusConflict, errorView{Error: "select a search type first"})
	case errors.Is(err, chat.ErrInFlight):
		writeJSON(w, http.StatusConflict, errorView{Error: "a message is already being sent"})
	case errors.Is(err, chat.ErrSessionReplaced):
		writeJSON(w, http.StatusConflict, errorView{Error: "session was replaced"})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorView{Error: chat.ErrorText(err)})
	default:
		writeJSON(w, http.StatusOK, r.state())
	}
}

func (r *Runtime) handleVoiceStart(w http.ResponseWriter, req *http.Request) {
	if err := r.voice.Activate(req.Context()); err != nil {
		writeJSON(w, http.StatusConflict, errorView{Error: voice.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

func (r *Runtime) handleVoiceStop(w http.ResponseWriter, req *http.Request) {
	if err := r.voice.Stop(req.Context()); err != nil {
		writeJSON(w, http.StatusConflict, errorView{Error: voice.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

func (r *Runtime) handleVoiceInterrupt(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if req.ContentLength != 0 && !decodeJSON(w, req, &body) {
		return
	}
	reason := body.Reason
	switch reason {
	case voice.ReasonHidden, voice.ReasonBlur, voice.ReasonTeardown:
	case "":
		reason = voice.ReasonBlur
	default:
		writeJSON(w, http.StatusBadRequest, errorView{Error: "unknown reason " + strconv.Quote(reason)})
		return
	}
	if err := r.voice.Interrupt(req.Context(), reason); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorView{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, r.voice.Snapshot())
}

func (r *Runtime) handleSpeechToggle(w http.ResponseWriter, _ *http.Request) {
	started := r.widget.ToggleSpeech()
	writeJSON(w, http.StatusOK, map[string]bool{"speaking": started})
}

type historyEntry struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.widget.SessionID()
	}
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "session_id is required"})
		return
	}
	msgs, err := r.store.ListMessages(req.Context(), sessionID, queryLimit(req, 200))
	if err != nil {
		r.logger.Error("history query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorView{Error: "history unavailable"})
		return
	}
	out := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyEntry{ID: m.ID, TraceID: m.TraceID, Role: m.Role, Text: m.Text, CreatedAt: m.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "messages": out})
}

type sessionEntry struct {
	ID         string    `json:"session_id"`
	SearchType string    `json:"search_type"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), queryLimit(req, 50))
	if err != nil {
		r.logger.Error("session query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorView{Error: "sessions unavailable"})
		return
	}
	out := make([]sessionEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionEntry{ID: s.ID, SearchType: s.SearchType, CreatedAt: s.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	var filter func(presence.Node) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = presence.WithCapability(name)
	}
	writeJSON(w, http.StatusOK, r.presence.Nodes(filter))
}

func (r *Runtime) handleDiagram(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := r.popup.Render(w, req.URL.Query().Get("title"), ""); err != nil {
		r.logger.Error("diagram render failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// detach keeps a backend call alive when the browser goes away mid-request;
// the backend client has its own timeout.
func detach(req *http.Request) context.Context {
	return context.WithoutCancel(req.Context())
}

func queryLimit(req *http.Request, def int) int {
	if v, err := strconv.Atoi(req.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
