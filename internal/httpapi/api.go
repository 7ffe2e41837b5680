package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rendis/genflow/internal/store"
	"github.com/rendis/genflow/pkg/schema"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Request        schema.GenerationRequest `json:"request"`
		ReferenceMedia []schema.ReferenceMedia  `json:"referenceMedia,omitempty"`
		Existing       *schema.Workflow         `json:"existing,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	res, err := s.deps.Workflows.SubmitWorkflow(r.Context(), body.Request, body.ReferenceMedia, nil, body.Existing)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorkflowFilter{
		SurfaceID: q.Get("surface"),
		Limit:     queryInt(r, "limit", 50),
	}
	for _, st := range q["status"] {
		filter.Statuses = append(filter.Statuses, schema.WorkflowStatus(st))
	}
	wfs, err := s.deps.Workflows.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

// handleCancel cancels a workflow on whichever engine owns it.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Workflows.CancelWorkflow(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workflowId": id})
}

// handleRetry resubmits a workflow as a new one, from ?from=N.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	original, err := s.deps.Workflows.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	res, err := s.deps.Workflows.RetryWorkflow(r.Context(), original, queryInt(r, "from", 0))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFlowError maps a FlowError code onto an HTTP status.
func writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := schema.CodeOf(err)
	switch code {
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeRejected:
		status = http.StatusUnprocessableEntity
	case schema.ErrCodeUnavailable, schema.ErrCodeNotInitialized:
		status = http.StatusServiceUnavailable
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": schema.MessageOf(err), "code": code})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
