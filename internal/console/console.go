// Package console is the interactive terminal front end of the chat widget.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/voice"
	"github.com/peterh/liner"
)

// LineReader is the subset of *liner.State the REPL needs.
type LineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// Console reads commands and prints new conversation entries as the widget
// and the voice controller change, including sends triggered by silence.
type Console struct {
	widget   *chat.Widget
	voice    *voice.Controller
	renderer *Renderer
	out      io.Writer
	logger   *slog.Logger
	outMu    sync.Mutex

	mu        sync.Mutex
	sessionID string
	printed   int
	banner    string
	heard     string
}

func New(widget *chat.Widget, controller *voice.Controller, renderer *Renderer, out io.Writer, logger *slog.Logger) *Console {
	c := &Console{
		widget:   widget,
		voice:    controller,
		renderer: renderer,
		out:      out,
		logger:   logger.With(slog.String("component", "console")),
	}
	widget.OnChange(c.Flush)
	controller.OnChange(func(voice.Snapshot) { c.Flush() })
	return c
}

const help = `Commands:
  <text>          send a message
  /types          list search types
  /type <value>   select a search type and start a new session
  /mic            start or stop listening
  /speak          play or stop the last answer
  /away           simulate leaving the window (stops listening)
  /help           show this help
  /quit           exit`

// Run drives the REPL until /quit, EOF, Ctrl+C or ctx cancellation.
func (c *Console) Run(ctx context.Context, in LineReader) error {
	c.println(c.renderer.Info(help))
	c.println(c.renderer.SearchTypes(c.widget.SearchTypes(), ""))
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.Prompt(c.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				c.println("")
				return nil
			}
			return err
		}
		if strings.TrimSpace(line) != "" {
			in.AppendHistory(line)
		}
		quit := c.Handle(ctx, line)
		c.Flush()
		if quit {
			return nil
		}
	}
}

func (c *Console) prompt() string {
	switch c.voice.Snapshot().State {
	case voice.Listening:
		return "listening> "
	case voice.Sending:
		return "sending> "
	}
	if st := c.widget.SearchType(); st.Value != "" {
		return strings.ToLower(st.Value) + "> "
	}
	return "loqa> "
}

// Handle executes one input line and reports whether the console should exit.
func (c *Console) Handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		if line == "" {
			return false
		}
		if err := c.widget.Send(ctx, line); err != nil {
			switch {
			case errors.Is(err, chat.ErrNoSession):
				c.println(c.renderer.Info("select a search type first: /type <value>"))
			case errors.Is(err, chat.ErrInFlight):
				c.println(c.renderer.Info("still waiting for the previous answer"))
			default:
				c.logger.Debug("send failed", slog.String("error", err.Error()))
			}
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(c.renderer.Info(help))
	case "/types":
		c.println(c.renderer.SearchTypes(c.widget.SearchTypes(), c.widget.SearchType().Value))
	case "/type":
		if arg == "" {
			c.println(c.renderer.Info("usage: /type <value>"))
			return false
		}
		if err := c.widget.SelectSearchType(ctx, strings.ToUpper(arg)); err != nil {
			c.logger.Debug("select search type failed", slog.String("error", err.Error()))
		}
	case "/mic":
		c.toggleMic(ctx)
	case "/speak":
		if c.widget.ToggleSpeech() {
			c.println(c.renderer.Info("speaking last answer"))
		} else {
			c.println(c.renderer.Info("speech stopped"))
		}
	case "/away":
		if err := c.voice.Interrupt(ctx, voice.ReasonBlur); err != nil {
			c.logger.Debug("interrupt failed", slog.String("error", err.Error()))
		}
	default:
		c.println(c.renderer.Info("unknown command " + cmd + ", try /help"))
	}
	return false
}

func (c *Console) toggleMic(ctx context.Context) {
	if c.voice.Snapshot().State == voice.Listening {
		if err := c.voice.Stop(ctx); err != nil {
			c.logger.Debug("stop listening failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := c.voice.Activate(ctx); err != nil {
		return
	}
	c.println(c.renderer.Info("listening; a pause sends what was heard, /mic stops"))
}

// Flush prints the banner if it changed, every message not yet shown and the
// live transcript. A new session restarts the log. It is safe to call from
// any goroutine.
func (c *Console) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sid := c.widget.SessionID(); sid != c.sessionID {
		c.sessionID = sid
		c.printed = 0
	}
	msgs := c.widget.Messages()
	if len(msgs) < c.printed {
		c.printed = 0
	}
	if banner := c.widget.Banner(); banner != c.banner {
		c.banner = banner
		if banner != "" {
			c.println(c.renderer.Banner(banner))
		}
	}
	for _, m := range msgs[c.printed:] {
		c.println(c.renderer.Message(m))
	}
	c.printed = len(msgs)
	if t := c.voice.Snapshot().Transcript; t != c.heard {
		c.heard = t
		if t != "" {
			c.println(c.renderer.Info("heard: " + t))
		}
	}
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

// OpenLiner creates a line editor with history loaded from path.
func OpenLiner(path string) *liner.State {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	if path != "" {
		if f, err := os.Open(path); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	return line
}

// CloseLiner saves history to path and restores the terminal.
func CloseLiner(line *liner.State, path string) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = line.WriteHistory(f)
				f.Close()
			}
		}
	}
	_ = line.Close()
}
