// Package voice implements the voice capture controller: it owns the
// listening state, follows the live transcript from a speech-recognition
// listener and decides when accumulated speech is committed as a message.
//
// All state lives in a single goroutine. Public methods post commands to it
// and wait for the reply; timers and transcript updates arrive on channels.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type State int

const (
	Idle State = iota
	Listening
	Sending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Sending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNoSession       = errors.New("voice: no session")
	ErrBusy            = errors.New("voice: a message is being sent")
	ErrUnavailable     = errors.New("voice: speech recognition or microphone unavailable")
	ErrActivationLimit = errors.New("voice: activation limit reached")
	ErrAlreadyActive   = errors.New("voice: already listening")
	ErrNotListening    = errors.New("voice: not listening")
	ErrClosed          = errors.New("voice: controller closed")
)

// Message maps a controller error to the text shown to the user.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrActivationLimit):
		return "Speech recognition session limit reached. Please refresh."
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrBusy), errors.Is(err, ErrUnavailable):
		return "Please select a search type first and ensure microphone is available."
	case err == nil:
		return ""
	default:
		return "Voice input error: " + err.Error()
	}
}

// Conversation is the chat surface the controller commits speech to.
type Conversation interface {
	HasSession() bool
	Busy() bool
	Send(ctx context.Context, text string) error
	ReportError(message string)
}

// Interrupt reasons.
const (
	ReasonHidden   = "visibility_hidden"
	ReasonBlur     = "focus_lost"
	ReasonTeardown = "teardown"
)

type Options struct {
	SilenceDelay   time.Duration
	MaxActivations int
}

func OptionsFromConfig(cfg config.VoiceConfig) Options {
	return Options{
		SilenceDelay:   time.Duration(cfg.SilenceDelayMS) * time.Millisecond,
		MaxActivations: cfg.MaxActivations,
	}
}

// Snapshot is a consistent read of controller state.
type Snapshot struct {
	State       State  `json:"-"`
	StateName   string `json:"state"`
	Transcript  string `json:"transcript"`
	Activations int    `json:"activations"`
}

type cmdKind int

const (
	cmdActivate cmdKind = iota
	cmdStop
	cmdInterrupt
)

type command struct {
	ctx    context.Context
	kind   cmdKind
	reason string
	reply  chan error
}

type Controller struct {
	opts     Options
	listener stt.Listener
	conv     Conversation
	logger   *slog.Logger

	cmds     chan command
	silence  chan uint64
	sendDone chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	snap     Snapshot
	onChange func(Snapshot)

	activationCounter metric.Int64Counter
	commitCounter     metric.Int64Counter

	// owned by the loop goroutine
	state       State
	transcript  string
	activations int
	updates     <-chan string
	stopListen  context.CancelFunc
	timer       *time.Timer
	timerToken  uint64
}

func NewController(parent context.Context, opts Options, listener stt.Listener, conv Conversation, logger *slog.Logger) *Controller {
	if opts.SilenceDelay <= 0 {
		opts.SilenceDelay = 2 * time.Second
	}
	if opts.MaxActivations <= 0 {
		opts.MaxActivations = 75
	}
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("github.com/loqalabs/loqa-chat/voice")
	activations, _ := meter.Int64Counter("loqa_chat.voice.activations", metric.WithDescription("Listening sessions started"))
	commits, _ := meter.Int64Counter("loqa_chat.voice.commits", metric.WithDescription("Transcripts committed as messages"))
	c := &Controller{
		opts:              opts,
		listener:          listener,
		conv:              conv,
		logger:            logger.With(slog.String("component", "voice")),
		cmds:              make(chan command),
		silence:           make(chan uint64, 1),
		sendDone:          make(chan error, 1),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		activationCounter: activations,
		commitCounter:     commits,
	}
	c.snap = Snapshot{State: Idle, StateName: Idle.String()}
	return c
}

// OnChange registers an observer called from the loop after every state
// change. It may read Snapshot but must not call Activate, Stop or Interrupt.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Close tears the controller down. Any partial transcript is discarded.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Activate starts listening.
func (c *Controller) Activate(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdActivate})
}

// Stop ends listening on user request. A non-empty transcript is sent.
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdStop})
}

// Interrupt ends listening without sending, e.g. when the page is hidden.
func (c *Controller) Interrupt(ctx context.Context, reason string) error {
	return c.do(ctx, command{kind: cmdInterrupt, reason: reason})
}

func (c *Controller) do(ctx context.Context, cmd command) error {
	cmd.ctx = ctx
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.interrupt(ReasonTeardown)
			c.publish()
			return
		case cmd := <-c.cmds:
			cmd.reply <- c.handle(cmd)
		case text, ok := <-c.updates:
			if !ok {
				c.updates = nil
				continue
			}
			c.onTranscript(text)
		case token := <-c.silence:
			c.onSilence(token)
		case err := <-c.sendDone:
			if err != nil {
				c.logger.Warn("voice send failed", slog.String("error", err.Error()))
			}
			c.state = Idle
		}
		c.publish()
	}
}

func (c *Controller) handle(cmd command) error {
	switch cmd.kind {
	case cmdActivate:
		err := c.activate(cmd.ctx)
		if err != nil && !errors.Is(err, ErrAlreadyActive) {
			c.conv.ReportError(Message(err))
		}
		return err
	case cmdStop:
		return c.stop()
	case cmdInterrupt:
		c.interrupt(cmd.reason)
		return nil
	default:
		return fmt.Errorf("voice: unknown command %d", cmd.kind)
	}
}

func (c *Controller) activate(ctx context.Context) error {
	switch c.state {
	case Listening:
		return ErrAlreadyActive
	case Sending:
		return ErrBusy
	}
	if !c.conv.HasSession() {
		return ErrNoSession
	}
	if c.conv.Busy() {
		return ErrBusy
	}
	if !c.listener.Supported() || !c.listener.MicrophoneAvailable(ctx) {
		return ErrUnavailable
	}
	if c.activations >= c.opts.MaxActivations {
		return ErrActivationLimit
	}

	listenCtx, cancel := context.WithCancel(c.ctx)
	updates, err := c.listener.Listen(listenCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.activations++
	c.activationCounter.Add(c.ctx, 1)
	c.transcript = ""
	c.updates = updates
	c.stopListen = cancel
	c.state = Listening
	c.logger.Info("listening started", slog.Int("activation", c.activations))
	return nil
}

func (c *Controller) stop() error {
	if c.state != Listening {
		return ErrNotListening
	}
	if strings.TrimSpace(c.transcript) != "" && c.conv.HasSession() && !c.conv.Busy() {
		c.commit("manual")
		return nil
	}
	c.endListening()
	c.state = Idle
	return nil
}

func (c *Controller) interrupt(reason string) {
	if c.state != Listening {
		return
	}
	c.endListening()
	c.state = Idle
	c.logger.Info("listening interrupted", slog.String("reason", reason))
}

func (c *Controller) onTranscript(text string) {
	if c.state != Listening {
		return
	}
	c.transcript = text
	c.disarm()
	if strings.TrimSpace(text) == "" {
		return
	}
	c.timerToken++
	token := c.timerToken
	c.timer = time.AfterFunc(c.opts.SilenceDelay, func() {
		select {
		case c.silence <- token:
		case <-c.done:
		}
	})
}

func (c *Controller) onSilence(token uint64) {
	// A stale token means the timer was re-armed or cancelled after it fired.
	if c.state != Listening || token != c.timerToken {
		return
	}
	if strings.TrimSpace(c.transcript) == "" || !c.conv.HasSession() || c.conv.Busy() {
		return
	}
	c.commit("silence")
}

func (c *Controller) commit(trigger string) {
	text := c.transcript
	c.endListening()
	c.state = Sending
	c.commitCounter.Add(c.ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	c.logger.Info("committing transcript", slog.String("trigger", trigger), slog.Int("length", len(text)))

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.conv.Send(ctx, text)
		select {
		case c.sendDone <- err:
		case <-c.done:
		}
	}()
}

// endListening stops recognition and the silence timer and clears the transcript.
func (c *Controller) endListening() {
	c.disarm()
	if c.stopListen != nil {
		c.stopListen()
		c.stopListen = nil
	}
	c.updates = nil
	c.transcript = ""
}

func (c *Controller) disarm() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerToken++
}

func (c *Controller) publish() {
	snap := Snapshot{
		State:       c.state,
		StateName:   c.state.String(),
		Transcript:  c.transcript,
		Activations: c.activations,
	}
	c.mu.Lock()
	changed := snap != c.snap
	c.snap = snap
	fn := c.onChange
	c.mu.Unlock()
	if changed && fn != nil {
		fn(snap)
	}
}
