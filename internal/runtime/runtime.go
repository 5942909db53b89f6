package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-chat/internal/backend"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/chat"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/diagram"
	"github.com/loqalabs/loqa-chat/internal/eventstore"
	"github.com/loqalabs/loqa-chat/internal/natsserver"
	"github.com/loqalabs/loqa-chat/internal/presence"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/loqalabs/loqa-chat/internal/router"
	"github.com/loqalabs/loqa-chat/internal/stt"
	"github.com/loqalabs/loqa-chat/internal/tts"
	"github.com/loqalabs/loqa-chat/internal/voice"
)

// Runtime owns every component of one chat widget: the bus, the event store,
// the speech collaborators, the widget itself and its voice controller.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	traceOut io.Writer

	ctx    context.Context
	cancel context.CancelFunc

	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	transcriber *stt.Transcriber
	speaker     *tts.Speaker
	widget      *chat.Widget
	voice       *voice.Controller
	router      *router.Service
	presence    *presence.Registry
	popup       *diagram.Popup

	metricsHandler http.Handler
	httpServer     *http.Server
	metricsServer  *http.Server
	tracerClose    func(context.Context) error
	opened         bool
	ready          atomic.Bool
	wg             sync.WaitGroup
}

type Option func(*Runtime)

// WithTraceOutput redirects the stdout span exporter, e.g. away from a
// terminal owned by an interactive front end.
func WithTraceOutput(w io.Writer) Option {
	return func(r *Runtime) { r.traceOut = w }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open builds and starts every component except the HTTP servers. Close
// releases them.
func (r *Runtime) Open(ctx context.Context) (err error) {
	if r.opened {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger, r.traceOut)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	busCfg := r.cfg.Bus
	r.embedded, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if url := r.embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	client, err := backend.New(r.cfg.Backend)
	if err != nil {
		return err
	}

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
		r.transcriber = stt.NewTranscriber(r.ctx, r.cfg.STT, r.bus, recognizer, r.logger)
		if err := r.transcriber.Start(); err != nil {
			return fmt.Errorf("start transcriber: %w", err)
		}
	}

	deps := chat.Deps{Backend: client, Store: r.store, Bus: r.bus, Logger: r.logger}
	if r.cfg.TTS.Enabled {
		synth, err := tts.NewSynthesizer(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("create synthesizer: %w", err)
		}
		speechLog := r.logger.With(slog.String("component", "speech"))
		r.speaker = tts.NewSpeaker(r.ctx, r.cfg.TTS, synth, r.bus, tts.Callbacks{
			OnError: func(speechID string, err error) {
				speechLog.Warn("speech failed", slog.String("speech_id", speechID), slog.String("error", err.Error()))
			},
		}, r.logger)
		deps.Speaker = r.speaker
	}
	r.widget = chat.NewWidget(r.cfg.SearchTypes, deps)

	listener := stt.NewBusListener(r.bus, r.cfg.STT.Device, time.Duration(r.cfg.STT.ProbeTimeoutMS)*time.Millisecond, r.logger)
	r.voice = voice.NewController(r.ctx, voice.OptionsFromConfig(r.cfg.Voice), listener, r.widget, r.logger)
	r.voice.Start()

	r.router = router.NewService(r.ctx, r.cfg.Router, r.bus, r.widget, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	r.presence = presence.NewRegistry(r.ctx, r.cfg.Node, r.capabilities(), r.bus, r.logger)
	if err := r.presence.Start(); err != nil {
		return fmt.Errorf("start presence: %w", err)
	}

	r.popup = diagram.NewPopup(r.cfg.Diagram)
	r.opened = true
	r.ready.Store(true)
	return nil
}

// capabilities describes what this process offers its peers.
func (r *Runtime) capabilities() []protocol.Capability {
	caps := []protocol.Capability{{
		Name: "chat",
		Attributes: map[string]string{
			"backend":      r.cfg.Backend.Mode,
			"search_types": fmt.Sprint(len(r.cfg.SearchTypes)),
		},
	}, {
		Name:       "voice",
		Attributes: map[string]string{"device": r.cfg.STT.Device},
	}}
	if r.transcriber != nil {
		caps = append(caps, protocol.Capability{Name: "stt", Attributes: map[string]string{"device": r.cfg.STT.Device, "mode": r.cfg.STT.Mode}})
	}
	if r.speaker != nil {
		caps = append(caps, protocol.Capability{Name: "tts", Attributes: map[string]string{"target": r.cfg.TTS.Target, "mode": r.cfg.TTS.Mode}})
	}
	if r.cfg.Router.Enabled {
		caps = append(caps, protocol.Capability{Name: "chat.input"})
	}
	return caps
}

// Start opens the runtime if needed, serves HTTP and blocks until ctx is
// cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Open(ctx); err != nil {
		return err
	}
	defer r.Close()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	if r.metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && !sameAddr(r.cfg.Telemetry.PrometheusBind, addr) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer)
	}

	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

func sameAddr(a, b string) bool {
	_, pa, errA := net.SplitHostPort(a)
	_, pb, errB := net.SplitHostPort(b)
	return errA == nil && errB == nil && pa == pb
}

// Close stops components in reverse order of construction. Listening is
// interrupted and speech cancelled before the bus goes away.
func (r *Runtime) Close() {
	r.ready.Store(false)
	if r.voice != nil {
		r.voice.Close()
	}
	if r.widget != nil {
		r.widget.StopSpeaking()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.transcriber != nil {
		r.transcriber.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	r.voice, r.widget, r.router, r.presence, r.speaker, r.transcriber = nil, nil, nil, nil, nil, nil
	r.store, r.bus, r.embedded, r.tracerClose, r.cancel = nil, nil, nil, nil, nil
	r.opened = false
}

func (r *Runtime) Config() config.Config { return r.cfg }

func (r *Runtime) Widget() *chat.Widget { return r.widget }

func (r *Runtime) Voice() *voice.Controller { return r.voice }

func (r *Runtime) Store() *eventstore.Store { return r.store }

func (r *Runtime) Healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.transcriber != nil && !r.transcriber.Healthy() {
		return false
	}
	if r.presence != nil && !r.presence.Healthy() {
		return false
	}
	return r.router == nil || r.router.Healthy()
}
