// Package background exposes a background-context engine over an rpc
// connection and gives the foreground a typed client for it.
package background

import "github.com/rendis/genflow/pkg/schema"

// Methods served by the Worker.
const (
	MethodPing   = "ping"
	MethodSubmit = "workflow.submit"
	MethodResume = "workflow.resume"
	MethodCancel = "workflow.cancel"
	MethodGet    = "workflow.get"
	MethodActive = "workflow.active"

	// MethodEvent is the notification carrying one engine event to the
	// foreground.
	MethodEvent = "workflow.event"
)

// PingResult answers a health probe.
type PingResult struct {
	Ready  bool `json:"ready"`
	Active int  `json:"active"`
}

type idParams struct {
	ID string `json:"id"`
}

type workflowParams struct {
	Workflow *schema.Workflow `json:"workflow"`
}

type activeResult struct {
	IDs []string `json:"ids"`
}
