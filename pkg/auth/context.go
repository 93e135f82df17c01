package auth

import (
	"context"

	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
)

// UserContext is the resolved identity for one request: the user and
// tenant records plus the materialized permission set. It is built
// fresh per call and never cached across requests.
type UserContext struct {
	User        *accounts.User
	Tenant      *accounts.Tenant
	SessionID   string
	Scopes      []string
	Permissions []string
}

// OwnerID is the graph owner id every store operation is scoped by.
func (uc *UserContext) OwnerID() string {
	return uc.User.TenantID
}

type contextKey int

const userContextKey contextKey = iota

// WithUserContext attaches the resolved identity to the context.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// UserContextFrom retrieves the resolved identity, or nil.
func UserContextFrom(ctx context.Context) *UserContext {
	uc, _ := ctx.Value(userContextKey).(*UserContext)
	return uc
}
