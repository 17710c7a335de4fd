package authorization

import "context"

// Service decides whether an actor may perform action on object within a tenant.
// An empty tenant id means the global scope (tier overrides, audit log).
type Service interface {
	Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error
	// ResolveToken maps a bearer token to its actor string, e.g. "token:ops".
	ResolveToken(token string) (string, error)
}
