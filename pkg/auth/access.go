package auth

import (
	"fmt"

	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
)

// Access answers the two authorization questions: does this user hold
// a permission, and may this user call a tool under the tenant's
// configuration. It is a pure function of the UserContext plus the
// optional rate limiter.
type Access struct {
	limiter *Limiter
}

// NewAccess builds the access checker. A nil limiter disables rate
// enforcement; configured limits then remain declarative.
func NewAccess(limiter *Limiter) *Access {
	return &Access{limiter: limiter}
}

// HasPermission reports set membership on the materialized permission
// set. Admins bypass the check unconditionally.
func (a *Access) HasPermission(uc *UserContext, permission string) bool {
	switch uc.User.Role {
	case accounts.RoleAdmin:
		return true
	case accounts.RoleUser, accounts.RoleReadonly:
		return uc.User.HasPermission(permission)
	default:
		return false
	}
}

// CanAccessTool consults the tenant's tool configuration. A tool with
// no entry, or a disabled one, denies everyone including admins; an
// enabled tool admits admins regardless of allowedRoles, other roles
// only by membership.
func (a *Access) CanAccessTool(uc *UserContext, toolName string) error {
	deny := func(reason string) error {
		return &DeniedError{Subject: uc.User.ID, Tool: toolName, Reason: reason}
	}

	perm, ok := uc.Tenant.ToolConfig[toolName]
	if !ok {
		return deny("tool not configured")
	}
	if !perm.Enabled {
		return deny("tool disabled")
	}

	switch uc.User.Role {
	case accounts.RoleAdmin:
		return nil
	case accounts.RoleUser, accounts.RoleReadonly:
		if perm.Allows(uc.User.Role) {
			return nil
		}
		return deny(fmt.Sprintf("role %q not in allowed roles", uc.User.Role))
	default:
		return deny(fmt.Sprintf("unknown role %q", uc.User.Role))
	}
}

// CheckRateLimit burns one call against the tool's configured windows.
// It runs after CanAccessTool, never inside it; with no limiter or no
// configured limits it admits everything.
func (a *Access) CheckRateLimit(uc *UserContext, toolName string) error {
	if a.limiter == nil {
		return nil
	}
	perm, ok := uc.Tenant.ToolConfig[toolName]
	if !ok {
		return nil
	}
	if !a.limiter.Allow(uc.Tenant.ID, toolName, perm.RateLimits) {
		return fmt.Errorf("%w: tool %q for tenant %q", ErrRateLimited, toolName, uc.Tenant.ID)
	}
	return nil
}
