package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-chat/internal/backend"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/stt"
	"github.com/loqalabs/loqa-chat/internal/voice"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/require"
)

type scriptedReader struct {
	lines   []string
	history []string
}

func (s *scriptedReader) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedReader) AppendHistory(item string) { s.history = append(s.history, item) }

type noMicrophone struct{}

func (noMicrophone) Supported() bool                          { return true }
func (noMicrophone) MicrophoneAvailable(context.Context) bool { return false }
func (noMicrophone) Listen(context.Context) (<-chan string, error) {
	return nil, io.ErrUnexpectedEOF
}

// liveMicrophone hands out a transcript channel the test writes to.
type liveMicrophone struct {
	updates chan string
}

func (liveMicrophone) Supported() bool                          { return true }
func (liveMicrophone) MicrophoneAvailable(context.Context) bool { return true }
func (m liveMicrophone) Listen(context.Context) (<-chan string, error) {
	return m.updates, nil
}

// syncBuffer is written by the console from the voice and widget goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestConsole(t *testing.T) (*Console, *syncBuffer) {
	return newConsoleWithListener(t, noMicrophone{}, voice.Options{})
}

func newConsoleWithListener(t *testing.T, listener stt.Listener, opts voice.Options) (*Console, *syncBuffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	widget := chat.NewWidget(config.Default().SearchTypes, chat.Deps{Backend: backend.NewMockClient(), Logger: logger})
	controller := voice.NewController(context.Background(), opts, listener, widget, logger)
	out := &syncBuffer{}
	renderer := NewRenderer(out, config.DiagramConfig{BaseURL: "http://localhost:8080"}, termenv.Ascii)
	c := New(widget, controller, renderer, out, logger)
	controller.Start()
	t.Cleanup(controller.Close)
	return c, out
}

func TestRenderDiagramLinkAscii(t *testing.T) {
	r := NewRenderer(io.Discard, config.DiagramConfig{BaseURL: "http://localhost:8080"}, termenv.Ascii)
	text := r.Message(chat.Message{Role: chat.RoleBot, Text: "Here is the flow. [Open Interactive Diagram](/diagrams/flow.html)"})
	require.Contains(t, text, "Here is the flow.")
	require.Contains(t, text, "Open Interactive Diagram: http://localhost:8080/diagrams/flow.html")
	require.NotContains(t, text, "](")
}

func TestRenderHyperlink(t *testing.T) {
	r := NewRenderer(io.Discard, config.DiagramConfig{}, termenv.TrueColor)
	text := r.Message(chat.Message{Role: chat.RoleBot, Text: "See [Open Interactive Diagram](https://example.test/d.svg)"})
	require.Contains(t, text, "\x1b]8;;https://example.test/d.svg")
}

func TestRenderUserMessageVerbatim(t *testing.T) {
	r := NewRenderer(io.Discard, config.DiagramConfig{}, termenv.Ascii)
	text := r.Message(chat.Message{Role: chat.RoleUser, Text: "[Open Interactive Diagram](/x)"})
	require.Contains(t, text, "[Open Interactive Diagram](/x)")
}

func TestConsoleConversation(t *testing.T) {
	c, out := newTestConsole(t)
	in := &scriptedReader{lines: []string{
		"hello",
		"/type query_gpt",
		"hello",
		"/mic",
		"/bogus",
		"/quit",
		"never read",
	}}

	require.NoError(t, c.Run(context.Background(), in))
	text := out.String()
	require.Contains(t, text, "select a search type first")
	require.Contains(t, text, "Session created for Query GPT. You can now start asking questions.")
	require.Contains(t, text, "[mock answer for hello]")
	require.Contains(t, text, "! Please select a search type first and ensure microphone is available.")
	require.Contains(t, text, "unknown command /bogus")
	require.Equal(t, []string{"never read"}, in.lines)
	require.Equal(t, "hello", in.history[0])
}

func TestFlushRestartsOnNewSession(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	c.Handle(ctx, "/type QUERY_GPT")
	c.Handle(ctx, "first question")
	c.Flush()
	c.Handle(ctx, "/type PRODUCT_GPT")
	c.Flush()

	text := out.String()
	require.Equal(t, 1, strings.Count(text, "Session created for Product GPT"))
	require.Equal(t, 1, strings.Count(text, "[mock answer for first question]"))
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, 1, c.printed)
}

func TestSilenceCommitIsPrintedWithoutInput(t *testing.T) {
	mic := liveMicrophone{updates: make(chan string, 4)}
	c, out := newConsoleWithListener(t, mic, voice.Options{SilenceDelay: 20 * time.Millisecond})
	ctx := context.Background()

	c.Handle(ctx, "/type QUERY_GPT")
	c.Handle(ctx, "/mic")
	require.Contains(t, out.String(), "Session created for Query GPT.")

	mic.updates <- "spoken question"
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "heard: spoken question")
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[mock answer for spoken question]")
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.voice.Snapshot().State == voice.Idle
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, strings.Count(out.String(), "[mock answer for spoken question]"))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
