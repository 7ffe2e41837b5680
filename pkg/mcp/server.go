// Package mcp exposes the workflow service as MCP tools so agents can submit
// and follow generation jobs.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/genflow/internal/service"
	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/internal/streaming"
	"github.com/rendis/genflow/pkg/schema"
)

// Workflows is the service surface the tools call. *service.Service
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

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Workflows Workflows
	Logger    *slog.Logger
}

// Server wraps an MCP server with the genflow tool handlers.
type Server struct {
	workflows Workflows
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
	notifier  *MCPNotifier
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		workflows: deps.Workflows,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"genflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("genflow runs multi-step image, video and analysis jobs. Use genflow.submit to start a job, genflow.status to follow it, genflow.cancel to stop it, genflow.retry to resubmit a failed job and genflow.list to browse recent jobs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Terminal workflow events are pushed to the session that
// submitted the workflow while serving.
func (s *Server) Serve(ctx context.Context) error {
	go s.notifier.Watch(ctx, s.workflows, s.logger)
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the terminal-event notifier.
func (s *Server) Notifier() *MCPNotifier { return s.notifier }

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("genflow.submit",
		mcp.WithDescription("Submit an image, video or analysis job"),
		mcp.WithString("generation_type", mcp.Required(),
			mcp.Enum("image", "video", "analyze"),
			mcp.Description("Kind of job"),
		),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Final prompt sent to the model")),
		mcp.WithString("model_id", mcp.Description("Model to use (default: server setting)")),
		mcp.WithNumber("count", mcp.Description("Number of images or videos (default: 1)")),
		mcp.WithString("size", mcp.Description("Output size, e.g. 1024x1024")),
		mcp.WithString("duration", mcp.Description("Video duration, e.g. 5s")),
		mcp.WithArray("reference_urls", mcp.WithStringItems(), mcp.Description("Reference image or video URLs")),
		mcp.WithString("surface_id", mcp.Description("Originating board or surface")),
		mcp.WithString("raw_input", mcp.Description("The user's input as typed")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("genflow.status",
		mcp.WithDescription("Get a job and the status of each of its steps"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the job")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("genflow.cancel",
		mcp.WithDescription("Cancel a running job"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the job")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("genflow.retry",
		mcp.WithDescription("Resubmit a failed job as a new job"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the failed job")),
		mcp.WithNumber("from_step", mcp.Description("Zero-based index of the first step to run again (default: 0)")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("genflow.list",
		mcp.WithDescription("List recent jobs, newest first"),
		mcp.WithString("status", mcp.Enum("pending", "running", "completed", "failed", "cancelled"), mcp.Description("Only jobs in this status")),
		mcp.WithString("surface_id", mcp.Description("Only jobs created from this surface")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of jobs (default: 20)")),
	)
}
