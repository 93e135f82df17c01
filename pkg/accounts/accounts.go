// Package accounts holds the user, tenant, and tool-configuration
// records behind the access-control layer, persisted as JSON blobs in
// a kvstore.Store.
package accounts

import (
	"fmt"
	"time"
)

// Role is the closed set of roles a user can hold. Anything outside
// the three constants is rejected at parse time, not carried along as
// a free-form string.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadonly Role = "readonly"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleUser, RoleReadonly:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Tool names as registered on the MCP surface. The default tenant
// configuration and the access checks share this vocabulary.
const (
	ToolCreateEntities        = "create_entities"
	ToolCreateRelations       = "create_relations"
	ToolAddObservations       = "add_observations"
	ToolDeleteEntities        = "delete_entities"
	ToolDeleteEntitiesCascade = "delete_entities_cascade"
	ToolDeleteRelations       = "delete_relations"
	ToolDeleteObservations    = "delete_observations"
	ToolReadGraph             = "read_graph"
	ToolSearchNodes           = "search_nodes"
	ToolOpenNodes             = "open_nodes"
	ToolGetTenantConfig       = "get_tenant_config"
	ToolSetToolConfig         = "set_tool_config"
)

type RateLimits struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
}

// ToolPermission is one tenant's policy for one tool. A zero rate
// limit means unlimited for that window.
type ToolPermission struct {
	Enabled      bool                   `json:"enabled"`
	AllowedRoles []Role                 `json:"allowedRoles"`
	RateLimits   RateLimits             `json:"rateLimits"`
	CustomConfig map[string]interface{} `json:"customConfig,omitempty"`
}

// Allows reports whether the role is in the allowed set. The admin
// bypass lives in the access layer, not here.
func (p ToolPermission) Allows(role Role) bool {
	for _, allowed := range p.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	TenantID     string    `json:"tenantId"`
	Role         Role      `json:"role"`
	Permissions  []string  `json:"permissions"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// HasPermission is plain set membership; no admin shortcut here.
func (u *User) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type Tenant struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	OwnerID    string                    `json:"ownerId"`
	Settings   map[string]string         `json:"settings"`
	ToolConfig map[string]ToolPermission `json:"toolConfig"`
	IsActive   bool                      `json:"isActive"`
	CreatedAt  time.Time                 `json:"createdAt"`
}

// AuditRecord captures one administrative mutation.
type AuditRecord struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	ActorID  string    `json:"actorId"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail"`
	At       time.Time `json:"at"`
}

// Permission names checked by the access layer.
const (
	PermGraphRead    = "graph:read"
	PermGraphWrite   = "graph:write"
	PermTenantManage = "tenant:manage"
)

// Baseline permissions granted to users created on first sight.
// Tenant management is deliberately absent; it rides on the admin
// role bypass.
var defaultPermissions = []string{PermGraphRead, PermGraphWrite}

// DefaultUser is the record created when an authenticated identity is
// seen for the first time.
func DefaultUser(id, email, tenantID string) *User {
	now := time.Now().UTC()
	return &User{
		ID:           id,
		Email:        email,
		TenantID:     tenantID,
		Role:         RoleUser,
		Permissions:  append([]string(nil), defaultPermissions...),
		IsActive:     true,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// DefaultTenant is the single-user tenant created alongside a first
// user, keyed by that user's id, with the baseline tool configuration.
func DefaultTenant(id, ownerID string) *Tenant {
	return &Tenant{
		ID:         id,
		Name:       id,
		OwnerID:    ownerID,
		Settings:   map[string]string{},
		ToolConfig: DefaultToolConfig(),
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
}

// DefaultToolConfig enables the graph tools for every tenant: reads
// for all roles, writes for admin and user, administrative tools for
// admin only. No rate limits.
func DefaultToolConfig() map[string]ToolPermission {
	allRoles := []Role{RoleAdmin, RoleUser, RoleReadonly}
	writers := []Role{RoleAdmin, RoleUser}
	adminOnly := []Role{RoleAdmin}

	config := map[string]ToolPermission{}
	for _, tool := range []string{ToolReadGraph, ToolSearchNodes, ToolOpenNodes} {
		config[tool] = ToolPermission{Enabled: true, AllowedRoles: append([]Role(nil), allRoles...)}
	}
	for _, tool := range []string{
		ToolCreateEntities, ToolCreateRelations, ToolAddObservations,
		ToolDeleteEntities, ToolDeleteRelations, ToolDeleteObservations,
	} {
		config[tool] = ToolPermission{Enabled: true, AllowedRoles: append([]Role(nil), writers...)}
	}
	for _, tool := range []string{ToolDeleteEntitiesCascade, ToolGetTenantConfig, ToolSetToolConfig} {
		config[tool] = ToolPermission{Enabled: true, AllowedRoles: append([]Role(nil), adminOnly...)}
	}
	return config
}
