package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", SurfaceID(ctx))
	assert.Equal(t, "", Role(ctx))

	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithStepID(ctx, "step-1")
	ctx = WithSurfaceID(ctx, "board-9")
	ctx = WithRole(ctx, "background")

	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
	assert.Equal(t, "board-9", SurfaceID(ctx))
	assert.Equal(t, "background", Role(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStepID(WithWorkflowID(context.Background(), "wf-abc"), "step-x")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.Contains(t, out, "step_id=step-x")
	assert.NotContains(t, out, "surface_id")
	assert.Contains(t, out, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithRole(WithWorkflowID(context.Background(), "wf-auto"), "foreground")
	logger.InfoContext(ctx, "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"workflow_id":"wf-auto"`)
	assert.Contains(t, out, `"role":"foreground"`)
	assert.NotContains(t, out, "step_id")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	assert.NotContains(t, buf.String(), "workflow_id")
	assert.Contains(t, buf.String(), "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-attr"), "with attrs")

	assert.Contains(t, buf.String(), `"workflow_id":"wf-attr"`)
	assert.Contains(t, buf.String(), `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
