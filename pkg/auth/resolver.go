package auth

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
)

// Resolver turns a bearer credential into a UserContext. Validation is
// delegated to the configured CredentialValidator; user and tenant
// records are materialized on first sight.
type Resolver struct {
	validator CredentialValidator
	store     *accounts.Store
	logger    *slog.Logger
	group     singleflight.Group
}

func NewResolver(validator CredentialValidator, store *accounts.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		validator: validator,
		store:     store,
		logger:    logger.With(slog.String("component", "auth")),
	}
}

// Resolve validates the token and materializes the identity behind it.
func (r *Resolver) Resolve(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, ErrMissingCredentials
	}

	payload, err := r.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	return r.Materialize(ctx, payload)
}

// Materialize loads the user and tenant for the payload, creating
// default records when the identity has never been seen. A payload
// without a tenant id belongs to the user's own single-user tenant.
// Concurrent first sights are deduplicated in-process; the store-level
// put-if-absent covers races across processes.
func (r *Resolver) Materialize(ctx context.Context, payload *TokenPayload) (*UserContext, error) {
	if payload.UserID == "" {
		return nil, ErrTokenMalformed
	}

	tenantID := payload.TenantID
	if tenantID == "" {
		tenantID = payload.UserID
	}

	userValue, err, _ := r.group.Do("user:"+payload.UserID, func() (interface{}, error) {
		return r.store.EnsureUser(ctx, payload.UserID, payload.Email, tenantID)
	})
	if err != nil {
		return nil, err
	}
	// Deduplicated callers share the singleflight result; each request
	// works on its own copy of the records.
	user := *userValue.(*accounts.User)

	tenantValue, err, _ := r.group.Do("tenant:"+tenantID, func() (interface{}, error) {
		return r.store.EnsureTenant(ctx, tenantID, payload.UserID)
	})
	if err != nil {
		return nil, err
	}
	tenant := *tenantValue.(*accounts.Tenant)

	if !user.IsActive {
		return nil, ErrUserInactive
	}
	if !tenant.IsActive {
		return nil, ErrTenantInactive
	}

	r.store.TouchUser(ctx, &user)

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	r.logger.Debug("resolved identity",
		slog.String("user_id", user.ID),
		slog.String("tenant_id", tenant.ID),
		slog.String("session_id", sessionID))

	return &UserContext{
		User:        &user,
		Tenant:      &tenant,
		SessionID:   sessionID,
		Scopes:      append([]string(nil), payload.Scopes...),
		Permissions: append([]string(nil), user.Permissions...),
	}, nil
}
