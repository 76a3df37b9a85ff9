package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/PocketPalCo/support-bot/config"
)

// NewLogger creates the local stdout logger configured by SBT_LOG_FORMAT and SBT_LOG_LEVEL.
func NewLogger(cfg *config.Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.GetSlogLevel(),
		AddSource: cfg.GetSlogLevel() == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
