// Package policy implements the Policy Gate: an optional, pluggable
// allow/deny check the Governance Coordinator consults before applying a
// manifest, per spec.md §4.8.
package policy

import (
	"context"
)

// Decision is the Gate's verdict on a single action.
type Decision struct {
	Allow    bool
	Reason   string
	PolicyID string
}

// Gate implements decide(action, actor, resource, context) →
// {allow | deny(reason, policy_id)}. A deny short-circuits the
// Coordinator's apply step; it never advances manifest state.
type Gate interface {
	Decide(ctx context.Context, action, actor, resource string, attrs map[string]any) (Decision, error)
}

// AllowAll is the default Gate used when no policy gate is configured:
// every request is allowed. The Coordinator treats a nil Gate the same
// way, but AllowAll is useful when callers want an explicit no-op Gate
// value rather than a nil check.
type AllowAll struct{}

func (AllowAll) Decide(ctx context.Context, action, actor, resource string, attrs map[string]any) (Decision, error) {
	return Decision{Allow: true}, nil
}
