package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/console"
	"github.com/loqalabs/loqa-chat/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		searchType  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-chat.yaml", "Path to configuration file")
	flag.StringVar(&searchType, "type", "", "Search type to open a session for on start")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, sink := console.NewLogger(cfg.Console, cfg.Telemetry.LogLevel)
	defer sink.Close()

	rt := runtime.New(cfg, logger, runtime.WithTraceOutput(sink))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := rt.Open(ctx); err != nil {
		logger.Error("runtime failed to start", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	renderer := console.NewRenderer(os.Stdout, cfg.Diagram, console.DetectProfile(os.Stdout))
	con := console.New(rt.Widget(), rt.Voice(), renderer, os.Stdout, logger)
	if searchType != "" {
		con.Handle(ctx, "/type "+searchType)
		con.Flush()
	}

	line := console.OpenLiner(cfg.Console.HistoryFile)
	err = con.Run(ctx, line)
	console.CloseLiner(line, cfg.Console.HistoryFile)
	rt.Close()
	if err != nil {
		logger.Error("console exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
