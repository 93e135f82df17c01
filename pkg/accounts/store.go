package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jamesprial/mcp-memory-cloud/pkg/kvstore"
)

var (
	ErrUserNotFound   = errors.New("accounts: user not found")
	ErrTenantNotFound = errors.New("accounts: tenant not found")
)

// DefaultAuditTTL bounds how long administrative audit records are
// retained in the blob store.
const DefaultAuditTTL = 90 * 24 * time.Hour

// Store reads and writes account records through the blob store.
// Records are JSON; keys are "user:<id>", "tenant:<id>", and
// "audit:<tenantId>:<recordId>".
type Store struct {
	kv       kvstore.Store
	logger   *slog.Logger
	auditTTL time.Duration
}

func NewStore(kv kvstore.Store, logger *slog.Logger) *Store {
	return &Store{
		kv:       kv,
		logger:   logger.With(slog.String("component", "accounts")),
		auditTTL: DefaultAuditTTL,
	}
}

func userKey(id string) string   { return "user:" + id }
func tenantKey(id string) string { return "tenant:" + id }

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	raw, err := s.kv.Get(ctx, userKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", id, err)
	}

	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("decode user %q: %w", id, err)
	}
	return &user, nil
}

func (s *Store) PutUser(ctx context.Context, user *User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user %q: %w", user.ID, err)
	}
	if err := s.kv.Put(ctx, userKey(user.ID), string(raw), 0); err != nil {
		return fmt.Errorf("store user %q: %w", user.ID, err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	raw, err := s.kv.Get(ctx, tenantKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %q: %w", id, err)
	}

	var tenant Tenant
	if err := json.Unmarshal([]byte(raw), &tenant); err != nil {
		return nil, fmt.Errorf("decode tenant %q: %w", id, err)
	}
	return &tenant, nil
}

func (s *Store) PutTenant(ctx context.Context, tenant *Tenant) error {
	raw, err := json.Marshal(tenant)
	if err != nil {
		return fmt.Errorf("encode tenant %q: %w", tenant.ID, err)
	}
	if err := s.kv.Put(ctx, tenantKey(tenant.ID), string(raw), 0); err != nil {
		return fmt.Errorf("store tenant %q: %w", tenant.ID, err)
	}
	return nil
}

// EnsureUser returns the user record, creating the default one if this
// identity has never been seen. The create-if-absent happens at the
// store level, so two concurrent first sights converge on one record.
func (s *Store) EnsureUser(ctx context.Context, id, email, tenantID string) (*User, error) {
	candidate := DefaultUser(id, email, tenantID)
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encode user %q: %w", id, err)
	}

	created, err := s.kv.PutIfAbsent(ctx, userKey(id), string(raw), 0)
	if err != nil {
		return nil, fmt.Errorf("ensure user %q: %w", id, err)
	}
	if created {
		s.logger.Info("created user on first sight",
			slog.String("user_id", id),
			slog.String("tenant_id", tenantID))
	}

	return s.GetUser(ctx, id)
}

// EnsureTenant mirrors EnsureUser for the tenant record.
func (s *Store) EnsureTenant(ctx context.Context, id, ownerID string) (*Tenant, error) {
	candidate := DefaultTenant(id, ownerID)
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("encode tenant %q: %w", id, err)
	}

	created, err := s.kv.PutIfAbsent(ctx, tenantKey(id), string(raw), 0)
	if err != nil {
		return nil, fmt.Errorf("ensure tenant %q: %w", id, err)
	}
	if created {
		s.logger.Info("created tenant on first sight",
			slog.String("tenant_id", id),
			slog.String("owner_id", ownerID))
	}

	return s.GetTenant(ctx, id)
}

// TouchUser records activity. Failures are logged, not surfaced: a
// stale lastActiveAt must not fail the request that proved activity.
func (s *Store) TouchUser(ctx context.Context, user *User) {
	user.LastActiveAt = time.Now().UTC()
	if err := s.PutUser(ctx, user); err != nil {
		s.logger.Warn("failed to update last active time",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()))
	}
}

// UpdateToolConfig replaces one tool's policy on the tenant record.
// Full-record read-modify-write: concurrent edits are last-writer-wins.
func (s *Store) UpdateToolConfig(ctx context.Context, tenantID, toolName string, perm ToolPermission) (*Tenant, error) {
	tenant, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if tenant.ToolConfig == nil {
		tenant.ToolConfig = map[string]ToolPermission{}
	}
	tenant.ToolConfig[toolName] = perm

	if err := s.PutTenant(ctx, tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// AppendAudit persists an administrative audit record under its own
// key with the retention TTL. Call it only after the mutation it
// describes has succeeded.
func (s *Store) AppendAudit(ctx context.Context, record AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	key := fmt.Sprintf("audit:%s:%s", record.TenantID, record.ID)
	if err := s.kv.Put(ctx, key, string(raw), s.auditTTL); err != nil {
		return fmt.Errorf("store audit record: %w", err)
	}
	return nil
}
