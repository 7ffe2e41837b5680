package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/genflow/internal/bridge"
	"github.com/rendis/genflow/internal/executors"
	"github.com/rendis/genflow/internal/logging"
	"github.com/rendis/genflow/pkg/schema"
)

// guardData builds the CEL activation for the guard of step idx. Only steps
// before idx are visible.
func guardData(wf *schema.Workflow, idx int) map[string]any {
	steps := make(map[string]any, idx)
	for _, s := range wf.Steps[:idx] {
		entry := map[string]any{"status": string(s.Status), "tool": s.ToolName}
		if len(s.Result) > 0 {
			var v any
			if err := json.Unmarshal(s.Result, &v); err == nil {
				entry["result"] = v
			}
		}
		if s.Error != "" {
			entry["error"] = s.Error
		}
		steps[s.ID] = entry
	}

	ctxData := map[string]any{}
	if wf.Context != nil {
		if b, err := json.Marshal(wf.Context); err == nil {
			_ = json.Unmarshal(b, &ctxData)
		}
	}
	return map[string]any{
		"steps":   steps,
		"context": ctxData,
		"workflow": map[string]any{
			"id":        wf.ID,
			"name":      wf.Name,
			"stepIndex": int64(idx),
			"stepCount": int64(len(wf.Steps)),
		},
	}
}

// CanvasInsertHook places the assets of completed generate steps on the
// canvas. Insert failures are logged; the step stays completed either way.
func CanvasInsertHook(ins bridge.Inserter, logger *slog.Logger) StepHook {
	if logger == nil {
		logger = logging.Discard()
	}
	return func(ctx context.Context, wf *schema.Workflow, step *schema.WorkflowStep) {
		if step.ToolName != executors.ToolGenerateImage && step.ToolName != executors.ToolGenerateVideo {
			return
		}
		var res executors.GenerateResult
		if err := json.Unmarshal(step.Result, &res); err != nil || len(res.Assets) == 0 {
			return
		}
		urls := make([]any, 0, len(res.Assets))
		for _, a := range res.Assets {
			urls = append(urls, a.URL)
		}
		params := map[string]any{
			"urls":       urls,
			"kind":       string(res.Kind),
			"prompt":     res.Prompt,
			"workflowId": wf.ID,
			"stepId":     step.ID,
		}
		if sid := wf.SurfaceID(); sid != "" {
			params["surfaceId"] = sid
		}
		if o := step.Options; o != nil && o.BatchID != "" {
			params["batchId"] = o.BatchID
			params["batchIndex"] = float64(o.BatchIndex)
			params["batchTotal"] = float64(o.BatchTotal)
		}
		if err := ins.Insert(ctx, executors.OpInsertMedia, params); err != nil {
			logger.WarnContext(ctx, "canvas insert failed", "step", step.ID, "error", err)
		}
	}
}
