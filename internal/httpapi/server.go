// Package httpapi serves the workflow service to browser clients: a JSON API,
// a Server-Sent Events stream of workflow events and the Prometheus
// endpoint.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/genflow/internal/metrics"
	"github.com/rendis/genflow/internal/service"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// Workflows is the service surface the handlers call. *service.Service
// satisfies it.
type Workflows interface {
	SubmitWorkflow(ctx context.Context, req schema.GenerationRequest, referenceMedia []schema.ReferenceMedia,
		retry *schema.RetryContext, existing *schema.Workflow) (*service.SubmitResult, error)
	RetryWorkflow(ctx context.Context, snapshot *schema.Workflow, fromStepIndex int) (*service.SubmitResult, error)
	CancelWorkflow(ctx context.Context, id string) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan schema.Event, func(), error)
}

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Workflows Workflows
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server routes HTTP requests to the workflow service.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	// SSE streams.
	mux.HandleFunc("GET /events", s.handleSSEGlobal)
	mux.HandleFunc("GET /workflows/{id}/events", s.handleSSEWorkflow)

	// API.
	mux.HandleFunc("GET /api/workflows", s.handleList)
	mux.HandleFunc("POST /api/workflows", s.handleSubmit)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGet)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/workflows/{id}/retry", s.handleRetry)

	return mux
}
