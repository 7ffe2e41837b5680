// Package store persists workflows as whole records keyed by id.
package store

import (
	"context"
	"time"

	"github.com/rendis/genflow/pkg/schema"
)

// Store is the persistence contract shared by both execution contexts.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveWorkflow upserts the full record. A write whose UpdatedAt is older
	// than the stored record is ignored.
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	// GetWorkflow returns a NOT_FOUND error when no record exists.
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	// PurgeTerminal deletes terminal workflows last updated before the
	// cutoff and returns their ids.
	PurgeTerminal(ctx context.Context, before time.Time) ([]string, error)

	Migrate(ctx context.Context) error
	Close() error
}

// WorkflowFilter narrows ListWorkflows. Results are ordered by UpdatedAt,
// newest first.
type WorkflowFilter struct {
	Statuses     []schema.WorkflowStatus
	SurfaceID    string
	UpdatedSince *time.Time
	Limit        int
}

func (f WorkflowFilter) match(wf *schema.Workflow) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if wf.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SurfaceID != "" && wf.SurfaceID() != f.SurfaceID {
		return false
	}
	if f.UpdatedSince != nil && wf.UpdatedAt.Before(*f.UpdatedSince) {
		return false
	}
	return true
}

var terminalStatuses = []schema.WorkflowStatus{
	schema.WorkflowStatusCompleted,
	schema.WorkflowStatusFailed,
	schema.WorkflowStatusCancelled,
}

func storeNotFound(id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
}

func storeErr(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
