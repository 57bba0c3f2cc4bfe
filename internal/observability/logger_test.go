package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodnarbrox/plexbeam/internal/config"
)

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("worker alive", slog.String("worker", "http://w0:8099"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "worker alive", rec["msg"])
	assert.Equal(t, "http://w0:8099", rec["worker"])
}

func TestNewLoggerWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestSecretRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Info("configured", slog.Any("api_key", Secret("super-secret-key")))

	assert.NotContains(t, buf.String(), "super-secret-key")
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	l := WithComponent(logger, "dispatch")
	l = WithSession(l, "20260806T120000_7")
	l = WithWorker(l, "http://w0")
	l.Info("tick")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatch", rec["component"])
	assert.Equal(t, "20260806T120000_7", rec["session_id"])
	assert.Equal(t, "http://w0", rec["worker"])
}

func TestWithError(t *testing.T) {
	logger := slog.Default()
	assert.Same(t, logger, WithError(logger, nil))
}

func TestTee(t *testing.T) {
	var a, b bytes.Buffer
	la := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &a)
	lb := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, &b)

	tee := Tee(la, lb)
	tee.Info("both")
	tee.Debug("only debug sink")

	assert.Contains(t, a.String(), "both")
	assert.Contains(t, b.String(), "both")
	assert.NotContains(t, a.String(), "only debug sink")
	assert.Contains(t, b.String(), "only debug sink")
}

func TestContextLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
	assert.NotNil(t, LoggerFromContext(context.Background()))
}
