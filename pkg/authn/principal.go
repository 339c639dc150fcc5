// Package authn authenticates the callers of the Governance Coordinator:
// submitters, approvers, and operators. It issues and validates JWTs
// bound to a rotating Ed25519 key set and exposes the resulting Principal
// through request context, the way every inbound call into pkg/api
// establishes who is acting before any governance operation runs.
package authn

import (
	"context"
	"errors"
)

// Principal is the authenticated identity behind a request: the
// principal_id the Idempotency Store binds a reservation to, or the
// approver_id a Manifest Approval is recorded under.
type Principal struct {
	ID    string
	Roles []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Well-known roles the Coordinator's endpoints check for.
const (
	RoleSubmit  = "submit"
	RoleApprove = "approve"
	RoleApply   = "apply"
	RoleAdmin   = "admin"
)

type contextKey string

const principalKey contextKey = "authn.principal"

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// ErrNoPrincipal indicates the request context carries no authenticated
// Principal, because the request never passed through Middleware.
var ErrNoPrincipal = errors.New("authn: no principal in context")

// FromContext retrieves the Principal attached by Middleware.
func FromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipal
	}
	return p, nil
}
