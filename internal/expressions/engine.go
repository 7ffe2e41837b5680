// Package expressions evaluates step guards (CEL) and JSON extraction
// queries (jq) against workflow data.
package expressions

import "context"

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
