package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	log := newLogger(&buf, &cfg)

	log.Info("dropped")
	log.Warn("kept", "component", "test")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "test", entry["component"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	cfg := config.DefaultConfig()

	var buf bytes.Buffer
	newLogger(&buf, &cfg).Info("hello", "chat_id", 7)

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "chat_id=7")
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("exporter down") }

func TestMultiHandler_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	local := slog.NewTextHandler(&buf, nil)
	broken := failingHandler{Handler: slog.NewTextHandler(&bytes.Buffer{}, nil)}

	h := NewMultiHandler(broken, local)
	err := h.Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "still written", 0))

	assert.Error(t, err)
	assert.Contains(t, buf.String(), "still written")
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(slog.NewTextHandler(&buf, nil)).WithAttrs([]slog.Attr{slog.String("component", "x")})

	slog.New(h).Info("msg")
	assert.Contains(t, buf.String(), "component=x")
}
