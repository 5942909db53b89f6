package console

import (
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-chat/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger writes JSON logs to a rotating file, keeping the terminal free
// for the REPL. Close the returned sink on exit.
func NewLogger(cfg config.ConsoleConfig, level string) (*slog.Logger, *lumberjack.Logger) {
	sink := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxMB,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler), sink
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
