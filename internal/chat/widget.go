// Package chat holds the conversation state of one chat widget: the selected
// search type and its backend session, the ordered message log, the error
// banner and the single in-flight send gate.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/backend"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/diagram"
	"github.com/loqalabs/loqa-chat/internal/eventstore"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Message is an immutable entry of the conversation log.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// User-visible texts.
const (
	BannerSessionFailed = "Failed to create session. Please try again."
	BannerNetwork       = "Network error: Could not connect to the server."
	NoAnswer            = "No answer received"
)

var (
	ErrNoSession         = errors.New("chat: no session")
	ErrInFlight          = errors.New("chat: a message is already being sent")
	ErrUnknownSearchType = errors.New("chat: unknown search type")
	ErrSessionReplaced   = errors.New("chat: session replaced while request was in flight")
)

// Speaker is the speech output used by ToggleSpeech.
type Speaker interface {
	Speak(text string) string
	Cancel()
	Speaking() bool
}

// Deps are the collaborators of a Widget. Store, Bus and Speaker may be nil.
type Deps struct {
	Backend backend.Client
	Store   *eventstore.Store
	Bus     *bus.Client
	Speaker Speaker
	Logger  *slog.Logger
}

// Widget is safe for concurrent use. Sends are serialized by an atomic
// in-flight flag; a send attempted while another is outstanding is dropped.
type Widget struct {
	searchTypes []config.SearchType
	backend     backend.Client
	store       *eventstore.Store
	bus         *bus.Client
	speaker     Speaker
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	sessionCounter metric.Int64Counter
	messageCounter metric.Int64Counter
	failureCounter metric.Int64Counter

	processing atomic.Bool

	mu         sync.RWMutex
	searchType config.SearchType
	sessionID  string
	generation uint64
	messages   []Message
	banner     string
	onChange   func()
}

func NewWidget(searchTypes []config.SearchType, deps Deps) *Widget {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/loqalabs/loqa-chat/chat")
	sessions, _ := meter.Int64Counter("loqa_chat.sessions.created", metric.WithDescription("Backend sessions opened"))
	messages, _ := meter.Int64Counter("loqa_chat.messages.sent", metric.WithDescription("Questions sent to the backend"))
	failures, _ := meter.Int64Counter("loqa_chat.messages.failed", metric.WithDescription("Failed backend calls"))
	return &Widget{
		searchTypes:    append([]config.SearchType(nil), searchTypes...),
		backend:        deps.Backend,
		store:          deps.Store,
		bus:            deps.Bus,
		speaker:        deps.Speaker,
		logger:         logger.With(slog.String("component", "chat")),
		tracer:         otel.Tracer("github.com/loqalabs/loqa-chat/chat"),
		now:            time.Now,
		sessionCounter: sessions,
		messageCounter: messages,
		failureCounter: failures,
	}
}

// OnChange registers a function called after every visible state change.
func (w *Widget) OnChange(fn func()) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *Widget) SearchTypes() []config.SearchType {
	return append([]config.SearchType(nil), w.searchTypes...)
}

func (w *Widget) findSearchType(value string) (config.SearchType, bool) {
	for _, st := range w.searchTypes {
		if st.Value == value {
			return st, true
		}
	}
	return config.SearchType{}, false
}

// SelectSearchType discards the current conversation and opens a new backend
// session for the given search type. On success the log holds exactly one
// welcome message.
func (w *Widget) SelectSearchType(ctx context.Context, value string) error {
	st, known := w.findSearchType(value)

	w.mu.Lock()
	w.messages = nil
	w.banner = ""
	w.sessionID = ""
	w.searchType = st
	w.generation++
	gen := w.generation
	w.mu.Unlock()
	w.changed()

	if !known {
		w.setBanner(gen, BannerSessionFailed)
		w.logger.Warn("unknown search type", slog.String("search_type", value))
		return fmt.Errorf("%w: %q", ErrUnknownSearchType, value)
	}

	ctx, span := w.tracer.Start(ctx, "chat.create_session", trace.WithAttributes(attribute.String("search_type", st.Value)))
	defer span.End()

	sessionID, err := w.backend.CreateSession(ctx, st.ClientID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(backend.SessionCreationFailed))))
		w.logger.Error("session creation failed", slog.String("search_type", st.Value), slog.String("error", err.Error()))
		w.setBanner(gen, BannerSessionFailed)
		return err
	}

	welcome := Message{
		Role:      RoleBot,
		Text:      fmt.Sprintf("Session created for %s. You can now start asking questions.", st.Label),
		CreatedAt: w.now().UTC(),
	}
	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		w.logger.Info("dropping session for replaced search type", slog.String("search_type", st.Value))
		return ErrSessionReplaced
	}
	w.sessionID = sessionID
	w.messages = []Message{welcome}
	w.mu.Unlock()
	w.changed()

	w.sessionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("search_type", st.Value)))
	w.logger.Info("session created", slog.String("search_type", st.Value), slog.String("session_id", sessionID))

	persistCtx := context.WithoutCancel(ctx)
	if err := w.store.AppendSession(persistCtx, eventstore.Session{ID: sessionID, SearchType: st.Value, ClientID: st.ClientID, CreatedAt: welcome.CreatedAt}); err != nil {
		w.logger.Warn("persist session failed", slog.String("error", err.Error()))
	}
	w.record(persistCtx, sessionID, st.Value, welcome)
	return nil
}

// Send posts text to the backend and appends the exchange to the log. Blank
// text is ignored; without a session or while another send is in flight the
// call is dropped and the log is unchanged.
func (w *Widget) Send(ctx context.Context, text string) error {
	_, err := w.Ask(ctx, text)
	return err
}

// Ask is Send returning the bot message it appended for this question. The
// reply is the zero Message when nothing was appended.
func (w *Widget) Ask(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, nil
	}
	if !w.HasSession() {
		return Message{}, ErrNoSession
	}
	if !w.processing.CompareAndSwap(false, true) {
		w.logger.Debug("send dropped while another is in flight")
		return Message{}, ErrInFlight
	}
	defer func() {
		w.processing.Store(false)
		w.changed()
	}()

	question := Message{Role: RoleUser, Text: text, CreatedAt: w.now().UTC()}
	w.mu.Lock()
	sessionID := w.sessionID
	searchType := w.searchType.Value
	gen := w.generation
	if sessionID == "" {
		w.mu.Unlock()
		return Message{}, ErrNoSession
	}
	w.banner = ""
	w.messages = append(w.messages, question)
	w.mu.Unlock()
	w.changed()

	persistCtx := context.WithoutCancel(ctx)
	w.record(persistCtx, sessionID, searchType, question)

	ctx, span := w.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("search_type", searchType),
		attribute.String("session_id", sessionID),
	))
	defer span.End()
	w.messageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("search_type", searchType)))

	answer, err := w.backend.Ask(ctx, sessionID, text)

	var reply Message
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(backend.SendFailed))))
		w.logger.Error("send failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		reply = Message{Role: RoleBot, Text: ErrorText(err), CreatedAt: w.now().UTC()}
	} else {
		if answer == "" {
			answer = NoAnswer
		}
		reply = Message{Role: RoleBot, Text: answer, CreatedAt: w.now().UTC()}
	}

	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		w.logger.Info("dropping reply for replaced session", slog.String("session_id", sessionID))
		return Message{}, ErrSessionReplaced
	}
	if err != nil {
		w.banner = reply.Text
	}
	w.messages = append(w.messages, reply)
	w.mu.Unlock()
	w.changed()

	w.record(persistCtx, sessionID, searchType, reply)
	return reply, err
}

// ErrorText is the banner and message text shown for a failed send.
func ErrorText(err error) string {
	if backend.IsNetwork(err) {
		return BannerNetwork
	}
	return "Error: " + err.Error()
}

func (w *Widget) record(ctx context.Context, sessionID, searchType string, msg Message) {
	traceID := uuid.NewString()
	if err := w.store.AppendMessage(ctx, eventstore.Message{
		SessionID: sessionID,
		TraceID:   traceID,
		Role:      string(msg.Role),
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
	}); err != nil {
		w.logger.Warn("persist message failed", slog.String("error", err.Error()))
	}
	if w.bus == nil {
		return
	}
	event := protocol.ChatEvent{
		SessionID:  sessionID,
		SearchType: searchType,
		Role:       string(msg.Role),
		Text:       msg.Text,
		TraceID:    traceID,
		Timestamp:  msg.CreatedAt,
	}
	if err := w.bus.PublishJSON(protocol.Subject(protocol.SubjectChatMessagePrefix, string(msg.Role)), event); err != nil {
		w.logger.Warn("publish chat event failed", slog.String("error", err.Error()))
	}
}

func (w *Widget) setBanner(gen uint64, text string) {
	w.mu.Lock()
	if gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.banner = text
	w.mu.Unlock()
	w.changed()
}

// ReportError shows message in the banner.
func (w *Widget) ReportError(message string) {
	w.mu.Lock()
	w.banner = message
	w.mu.Unlock()
	w.changed()
}

// ToggleSpeech speaks the last bot message, or stops speaking if speech is
// active. It reports whether speech was started.
func (w *Widget) ToggleSpeech() bool {
	if w.speaker == nil {
		return false
	}
	if w.speaker.Speaking() {
		w.speaker.Cancel()
		w.changed()
		return false
	}
	last, ok := w.LastBotMessage()
	if !ok {
		return false
	}
	started := w.speaker.Speak(diagram.SpokenText(last.Text)) != ""
	w.changed()
	return started
}

func (w *Widget) Speaking() bool {
	return w.speaker != nil && w.speaker.Speaking()
}

// StopSpeaking cancels speech, e.g. on teardown.
func (w *Widget) StopSpeaking() {
	if w.speaker != nil {
		w.speaker.Cancel()
	}
}

func (w *Widget) HasSession() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sessionID != ""
}

// Busy reports whether a send is in flight.
func (w *Widget) Busy() bool {
	return w.processing.Load()
}

func (w *Widget) SessionID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sessionID
}

func (w *Widget) SearchType() config.SearchType {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.searchType
}

func (w *Widget) Banner() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.banner
}

// Messages returns a copy of the log in insertion order.
func (w *Widget) Messages() []Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Message(nil), w.messages...)
}

func (w *Widget) LastBotMessage() (Message, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for i := len(w.messages) - 1; i >= 0; i-- {
		if w.messages[i].Role == RoleBot {
			return w.messages[i], true
		}
	}
	return Message{}, false
}

func (w *Widget) changed() {
	w.mu.RLock()
	fn := w.onChange
	w.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
