package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/pkg/schema"
)

const defaultListLimit = 20

// handleSubmit builds a generation request from the arguments and submits it.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	genType, err := req.RequireString("generation_type")
	if err != nil {
		return mcp.NewToolResultError("generation_type is required"), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("prompt is required"), nil
	}

	greq := schema.GenerationRequest{
		GenerationType: schema.GenerationType(genType),
		ModelID:        req.GetString("model_id", ""),
		Prompt:         prompt,
		Count:          req.GetInt("count", 1),
		Size:           req.GetString("size", ""),
		Duration:       req.GetString("duration", ""),
		SurfaceID:      req.GetString("surface_id", ""),
		RawInput:       req.GetString("raw_input", prompt),
	}
	for _, u := range req.GetStringSlice("reference_urls", nil) {
		greq.ReferenceMedia = append(greq.ReferenceMedia, referenceFromURL(u))
	}

	res, subErr := s.workflows.SubmitWorkflow(ctx, greq, nil, nil, nil)
	if subErr != nil {
		return toolError("submit failed", subErr), nil
	}
	s.captureSession(ctx, res.WorkflowID)
	return marshalResult(res)
}

// handleStatus returns the current view of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, getErr := s.workflows.GetWorkflow(ctx, id)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	return marshalResult(summarize(wf))
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if cErr := s.workflows.CancelWorkflow(ctx, id); cErr != nil {
		return toolError("cancel failed", cErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflowId": id})
}

// handleRetry resubmits a stored workflow as a new one.
func (s *Server) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, getErr := s.workflows.GetWorkflow(ctx, id)
	if getErr != nil {
		return toolError("workflow lookup failed", getErr), nil
	}
	res, rErr := s.workflows.RetryWorkflow(ctx, wf, req.GetInt("from_step", 0))
	if rErr != nil {
		return toolError("retry failed", rErr), nil
	}
	s.captureSession(ctx, res.WorkflowID)
	return marshalResult(map[string]any{
		"workflowId":     res.WorkflowID,
		"usedBackground": res.UsedBackground,
		"retryOf":        id,
	})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		SurfaceID: req.GetString("surface_id", ""),
		Limit:     req.GetInt("limit", defaultListLimit),
	}
	if st := req.GetString("status", ""); st != "" {
		filter.Statuses = []schema.WorkflowStatus{schema.WorkflowStatus(st)}
	}
	wfs, err := s.workflows.ListWorkflows(ctx, filter)
	if err != nil {
		return toolError("list failed", err), nil
	}
	out := make([]workflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, summarize(wf))
	}
	return marshalResult(map[string]any{"workflows": out})
}

// --- Helpers ---

type stepSummary struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type workflowSummary struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"errorCode,omitempty"`
	UpdatedAt string        `json:"updatedAt"`
	Steps     []stepSummary `json:"steps"`
}

func summarize(wf *schema.Workflow) workflowSummary {
	ws := workflowSummary{
		ID:        wf.ID,
		Name:      wf.Name,
		Status:    string(wf.Status),
		Error:     wf.Error,
		ErrorCode: wf.ErrorCode,
		UpdatedAt: wf.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		Steps:     make([]stepSummary, 0, len(wf.Steps)),
	}
	for _, st := range wf.Steps {
		ws.Steps = append(ws.Steps, stepSummary{
			ID: st.ID, Tool: st.ToolName, Status: string(st.Status),
			Error: st.Error, ErrorCode: st.ErrorCode, Result: st.Result,
		})
	}
	return ws
}

func referenceFromURL(u string) schema.ReferenceMedia {
	kind := "image"
	switch strings.ToLower(path.Ext(strings.SplitN(u, "?", 2)[0])) {
	case ".mp4", ".webm", ".mov":
		kind = "video"
	}
	return schema.ReferenceMedia{URL: u, Kind: kind}
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %s", prefix, code, schema.MessageOf(err)))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// captureSession remembers which MCP session submitted a workflow so its
// outcome can be pushed back.
func (s *Server) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workflowID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
