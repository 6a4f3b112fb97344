package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/iceball/predictor/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("record", "r1"))
	logger.InfoContext(ctx, "final pass started")
	logger.DebugContext(ctx, "hidden")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "final pass started", m["msg"])
	require.Equal(t, "r1", m["record"])
	require.NotContains(t, buf.String(), "hidden")
}

func TestContextAttrs_NoAliasing(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true)

	base := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	c1 := log.ContextAttrs(base, slog.String("b", "2"))
	c2 := log.ContextAttrs(base, slog.String("c", "3"))

	logger.InfoContext(c1, "one")
	logger.InfoContext(c2, "two")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"b":"2"`)
	require.NotContains(t, lines[1], `"b":"2"`)
	require.Contains(t, lines[1], `"c":"3"`)
}

func TestLinesHandler(t *testing.T) {
	t.Parallel()
	var text, jsonBuf bytes.Buffer
	base := slog.NewJSONHandler(&jsonBuf, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(log.NewLinesHandler(base, &text))

	logger.Debug("debug")
	logger.Info("processing started", "model", "iceball-v1.0.0")
	logger.Warn("terminology lookup failed")

	require.NotContains(t, text.String(), "debug")
	require.Contains(t, text.String(), " processing started\n")
	require.Contains(t, text.String(), " terminology lookup failed\n")
	require.NotContains(t, jsonBuf.String(), "processing started")
	require.Contains(t, jsonBuf.String(), "terminology lookup failed")
}
