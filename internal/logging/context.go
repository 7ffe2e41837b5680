// Package logging carries correlation ids through context.Context and
// injects them into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	stepIDKey
	surfaceIDKey
	roleKey
	requestIDKey
)

// attrs lists the correlation keys in the order they are emitted.
var attrs = []struct {
	key  ctxKey
	name string
}{
	{roleKey, "role"},
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{surfaceIDKey, "surface_id"},
	{requestIDKey, "request_id"},
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithSurfaceID returns a context with the originating surface ID set.
func WithSurfaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, surfaceIDKey, id)
}

// WithRole tags the context with the execution context name
// ("background" or "foreground").
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// WithRequestID returns a context with the bridge request ID set.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string { return value(ctx, stepIDKey) }

// SurfaceID extracts the surface ID from the context, or "" if absent.
func SurfaceID(ctx context.Context) string { return value(ctx, surfaceIDKey) }

// Role extracts the execution context name, or "" if absent.
func Role(ctx context.Context) string { return value(ctx, roleKey) }

// RequestID extracts the bridge request ID, or "" if absent.
func RequestID(ctx context.Context) string { return value(ctx, requestIDKey) }

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs {
		if v := value(ctx, a.key); v != "" {
			logger = logger.With(slog.String(a.name, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the context into every record, so callers only need logger.InfoContext.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range attrs {
		if v := value(ctx, a.key); v != "" {
			r.AddAttrs(slog.String(a.name, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds the process logger: a text handler on w wrapped with
// correlation injection.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything. Used when a component is
// built without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
