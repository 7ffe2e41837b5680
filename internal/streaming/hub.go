// Package streaming fans workflow events out to in-process subscribers.
package streaming

import (
	"context"

	"github.com/rendis/genflow/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
// Zero values match everything.
type EventFilter struct {
	WorkflowID string             `json:"workflowId,omitempty"`
	Types      []schema.EventType `json:"types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e schema.Event) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for workflow events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
