package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/backend"
	"github.com/loqalabs/loqa-chat/internal/bus/bustest"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/eventstore"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

var testTypes = []config.SearchType{
	{Value: "QUERY_GPT", Label: "Query GPT", ClientID: "client-query"},
	{Value: "PRODUCT_GPT", Label: "Product GPT", ClientID: "client-product"},
}

type fakeBackend struct {
	mu         sync.Mutex
	sessionErr error
	answer     string
	askErr     error
	gate       chan struct{}
	clientIDs  []string
	questions  []string
}

func (f *fakeBackend) CreateSession(ctx context.Context, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientIDs = append(f.clientIDs, clientID)
	if f.sessionErr != nil {
		return "", f.sessionErr
	}
	return "sess-" + clientID, nil
}

func (f *fakeBackend) Ask(ctx context.Context, sessionID, question string) (string, error) {
	f.mu.Lock()
	f.questions = append(f.questions, question)
	gate := f.gate
	answer, err := f.answer, f.askErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return answer, err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWidget(t *testing.T, be *fakeBackend) *Widget {
	t.Helper()
	return NewWidget(testTypes, Deps{Backend: be, Logger: testLogger()})
}

func TestSelectSearchTypeCreatesSessionWithWelcome(t *testing.T) {
	be := &fakeBackend{}
	w := newTestWidget(t, be)

	require.NoError(t, w.SelectSearchType(context.Background(), "QUERY_GPT"))
	require.Equal(t, "sess-client-query", w.SessionID())
	require.Equal(t, []string{"client-query"}, be.clientIDs)
	msgs := w.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleBot, msgs[0].Role)
	require.Equal(t, "Session created for Query GPT. You can now start asking questions.", msgs[0].Text)
	require.Empty(t, w.Banner())
}

func TestSelectSearchTypeDiscardsPriorConversation(t *testing.T) {
	be := &fakeBackend{answer: "hi there"}
	w := newTestWidget(t, be)
	ctx := context.Background()

	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))
	require.NoError(t, w.Send(ctx, "hello"))
	require.Len(t, w.Messages(), 3)

	require.NoError(t, w.SelectSearchType(ctx, "PRODUCT_GPT"))
	msgs := w.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "Session created for Product GPT. You can now start asking questions.", msgs[0].Text)
	require.Equal(t, "sess-client-product", w.SessionID())
}

func TestSelectSearchTypeFailure(t *testing.T) {
	be := &fakeBackend{sessionErr: &backend.Error{Kind: backend.SessionCreationFailed, Status: 500, Err: errors.New("HTTP error! status: 500")}}
	w := newTestWidget(t, be)

	err := w.SelectSearchType(context.Background(), "QUERY_GPT")
	require.Error(t, err)
	require.Equal(t, BannerSessionFailed, w.Banner())
	require.Empty(t, w.Messages())
	require.False(t, w.HasSession())
	require.NoError(t, w.Send(context.Background(), "   "))
	require.ErrorIs(t, w.Send(context.Background(), "hello"), ErrNoSession)
	require.Empty(t, be.questions)
}

func TestSelectUnknownSearchType(t *testing.T) {
	be := &fakeBackend{}
	w := newTestWidget(t, be)

	require.ErrorIs(t, w.SelectSearchType(context.Background(), "NOPE"), ErrUnknownSearchType)
	require.Equal(t, BannerSessionFailed, w.Banner())
	require.Empty(t, be.clientIDs)
}

func TestSendAppendsExchange(t *testing.T) {
	be := &fakeBackend{answer: "hi there"}
	w := newTestWidget(t, be)
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))

	require.NoError(t, w.Send(ctx, "hello"))
	msgs := w.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, Message{Role: RoleUser, Text: "hello"}, Message{Role: msgs[1].Role, Text: msgs[1].Text})
	require.Equal(t, Message{Role: RoleBot, Text: "hi there"}, Message{Role: msgs[2].Role, Text: msgs[2].Text})
	require.False(t, w.Busy())
}

func TestSendEmptyAnswer(t *testing.T) {
	w := newTestWidget(t, &fakeBackend{})
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))
	require.NoError(t, w.Send(ctx, "anything?"))

	last, ok := w.LastBotMessage()
	require.True(t, ok)
	require.Equal(t, NoAnswer, last.Text)
}

func TestSendErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "network",
			err:  &backend.Error{Kind: backend.SendFailed, Network: true, Err: &url.Error{Op: "Post", URL: "http://x/chat", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}},
			want: BannerNetwork,
		},
		{
			name: "status",
			err:  &backend.Error{Kind: backend.SendFailed, Status: 502, Err: errors.New("HTTP error! status: 502")},
			want: "Error: HTTP error! status: 502",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newTestWidget(t, &fakeBackend{askErr: tc.err})
			ctx := context.Background()
			require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))

			require.Error(t, w.Send(ctx, "hello"))
			require.Equal(t, tc.want, w.Banner())
			last, ok := w.LastBotMessage()
			require.True(t, ok)
			require.Equal(t, tc.want, last.Text)
			require.Len(t, w.Messages(), 3)
			require.False(t, w.Busy())
		})
	}
}

func TestSendClearsBanner(t *testing.T) {
	w := newTestWidget(t, &fakeBackend{answer: "ok"})
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))
	w.ReportError("Please select a search type first and ensure microphone is available.")
	require.NotEmpty(t, w.Banner())

	require.NoError(t, w.Send(ctx, "hello"))
	require.Empty(t, w.Banner())
}

func TestSecondSendWhileInFlightIsDropped(t *testing.T) {
	be := &fakeBackend{answer: "done", gate: make(chan struct{})}
	w := newTestWidget(t, be)
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Send(ctx, "first") }()
	require.Eventually(t, w.Busy, time.Second, time.Millisecond)
	count := len(w.Messages())

	require.ErrorIs(t, w.Send(ctx, "second"), ErrInFlight)
	require.Len(t, w.Messages(), count)

	close(be.gate)
	require.NoError(t, <-errCh)
	require.Equal(t, []string{"first"}, be.questions)
	require.Len(t, w.Messages(), 3)
}

func TestReplyForReplacedSessionIsDropped(t *testing.T) {
	be := &fakeBackend{answer: "late", gate: make(chan struct{})}
	w := newTestWidget(t, be)
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Send(ctx, "question") }()
	require.Eventually(t, w.Busy, time.Second, time.Millisecond)

	require.NoError(t, w.SelectSearchType(ctx, "PRODUCT_GPT"))
	close(be.gate)
	require.ErrorIs(t, <-errCh, ErrSessionReplaced)

	msgs := w.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "Session created for Product GPT. You can now start asking questions.", msgs[0].Text)
}

type fakeSpeaker struct {
	mu       sync.Mutex
	speaking bool
	spoken   []string
}

func (f *fakeSpeaker) Speak(text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
	f.speaking = true
	return "speech-1"
}

func (f *fakeSpeaker) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = false
}

func (f *fakeSpeaker) Speaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking
}

func TestToggleSpeechSpeaksTextBeforeDiagram(t *testing.T) {
	be := &fakeBackend{answer: "Here is the flow.  \n[Open Interactive Diagram](/diagrams/flow.html)"}
	speaker := &fakeSpeaker{}
	w := NewWidget(testTypes, Deps{Backend: be, Speaker: speaker, Logger: testLogger()})
	ctx := context.Background()

	require.False(t, w.ToggleSpeech(), "nothing to speak before a session exists")
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))
	require.NoError(t, w.Send(ctx, "show me the flow"))

	require.True(t, w.ToggleSpeech())
	require.True(t, w.Speaking())
	require.Equal(t, []string{"Here is the flow."}, speaker.spoken)

	require.False(t, w.ToggleSpeech())
	require.False(t, w.Speaking())
}

func TestMessagesArePersistedAndPublished(t *testing.T) {
	client := bustest.Connect(t)
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "chat.db"),
		RetentionMode: "session",
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	events := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectChatMessagePrefix+".>", events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	w := NewWidget(testTypes, Deps{Backend: &fakeBackend{answer: "hi there"}, Store: store, Bus: client, Logger: testLogger()})
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))
	require.NoError(t, w.Send(ctx, "hello"))

	var subjects, texts []string
	for i := 0; i < 3; i++ {
		select {
		case msg := <-events:
			var ev protocol.ChatEvent
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			require.Equal(t, "sess-client-query", ev.SessionID)
			require.Equal(t, "QUERY_GPT", ev.SearchType)
			require.NotEmpty(t, ev.TraceID)
			subjects = append(subjects, msg.Subject)
			texts = append(texts, ev.Text)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for chat event %d", i)
		}
	}
	require.Equal(t, []string{"chat.message.bot", "chat.message.user", "chat.message.bot"}, subjects)
	require.Equal(t, []string{"Session created for Query GPT. You can now start asking questions.", "hello", "hi there"}, texts)

	stored, err := store.ListMessages(ctx, "sess-client-query", 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, "user", stored[1].Role)
	require.Equal(t, "hello", stored[1].Text)
}

func TestAskReturnsItsOwnReply(t *testing.T) {
	w := newTestWidget(t, &fakeBackend{answer: "hi there"})
	ctx := context.Background()
	require.NoError(t, w.SelectSearchType(ctx, "QUERY_GPT"))

	// Another caller switches search type right after the reply lands, so the
	// newest bot message is the new session's welcome.
	var once sync.Once
	w.OnChange(func() {
		if len(w.Messages()) == 3 {
			once.Do(func() { _ = w.SelectSearchType(ctx, "PRODUCT_GPT") })
		}
	})

	reply, err := w.Ask(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, RoleBot, reply.Role)
	require.Equal(t, "hi there", reply.Text)

	last, ok := w.LastBotMessage()
	require.True(t, ok)
	require.Equal(t, "Session created for Product GPT. You can now start asking questions.", last.Text)

	reply, err = w.Ask(ctx, "   ")
	require.NoError(t, err)
	require.Equal(t, Message{}, reply)
}
