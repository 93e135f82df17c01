package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jamesprial/mcp-memory-cloud/internal/logging"
	"github.com/jamesprial/mcp-memory-cloud/internal/metrics"
	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
	"github.com/jamesprial/mcp-memory-cloud/pkg/auth"
	"github.com/jamesprial/mcp-memory-cloud/pkg/database"
)

// Wire codes for failures raised before the store is reached. Store
// failures carry their own code (database.CodeOf).
const (
	codeAuthError        = "auth_error"
	codePermissionDenied = "permission_denied"
	codeRateLimited      = "rate_limited"
	codeValidation       = string(database.CodeValidation)
)

// Server exposes the graph store as MCP tools. Every call runs the
// same pipeline: resolve identity, check tool access, burn a rate
// token, validate input, execute scoped by the caller's tenant.
type Server struct {
	db       *database.DB
	accounts *accounts.Store
	access   *auth.Access
	recorder *metrics.Recorder
	logger   *slog.Logger
}

type CreateEntitiesParams struct {
	Entities []database.Entity `json:"entities" jsonschema:"description:Array of entities to create"`
}

type CreateRelationsParams struct {
	Relations []database.Relation `json:"relations" jsonschema:"description:Array of relations to create"`
}

type AddObservationsParams struct {
	Observations []ObservationInput `json:"observations" jsonschema:"description:Array of observations to add"`
}

type ObservationInput struct {
	EntityName string   `json:"entityName" jsonschema:"description:Name of the entity"`
	Contents   []string `json:"contents" jsonschema:"description:Array of observations to add"`
}

// ObservationResult reports what one add_observations input appended.
type ObservationResult struct {
	EntityName        string   `json:"entityName"`
	AddedObservations []string `json:"addedObservations"`
}

type DeleteEntitiesParams struct {
	EntityNames []string `json:"entityNames" jsonschema:"description:Array of entity names to delete"`
}

type DeleteEntitiesCascadeParams struct {
	EntityNames []string `json:"entityNames" jsonschema:"description:Array of entity names to delete together with their relations and observations"`
}

type DeleteObservationsParams struct {
	Deletions []DeletionInput `json:"deletions" jsonschema:"description:Array of deletions to perform"`
}

type DeletionInput struct {
	EntityName   string   `json:"entityName" jsonschema:"description:Name of the entity"`
	Observations []string `json:"observations" jsonschema:"description:Array of observations to delete"`
}

type DeleteRelationsParams struct {
	Relations []database.Relation `json:"relations" jsonschema:"description:Array of relations to delete"`
}

type SearchNodesParams struct {
	Query string `json:"query" jsonschema:"description:Search query to match against entity names types and observations"`
}

type OpenNodesParams struct {
	Names []string `json:"names" jsonschema:"description:Array of entity names to retrieve"`
}

type SetToolConfigParams struct {
	Tool         string                 `json:"tool" jsonschema:"description:Name of the tool to configure"`
	Enabled      bool                   `json:"enabled" jsonschema:"description:Whether the tool is enabled for this tenant"`
	AllowedRoles []string               `json:"allowedRoles" jsonschema:"description:Roles allowed to call the tool (admin always passes)"`
	RateLimits   *accounts.RateLimits   `json:"rateLimits,omitempty" jsonschema:"description:Per-minute per-hour and per-day call limits with zero meaning unlimited"`
	CustomConfig map[string]interface{} `json:"customConfig,omitempty" jsonschema:"description:Free-form per-tool settings"`
}

// DeleteCount is the data payload for the non-cascading delete tools.
type DeleteCount struct {
	Deleted int64 `json:"deleted"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the uniform result shape carried inside the MCP text
// content of every tool call.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

// NewServer creates a new MCP memory server with default logging and
// no metrics recorder.
func NewServer(db *database.DB, store *accounts.Store, access *auth.Access) *Server {
	return NewServerWithLogger(db, store, access, nil, slog.Default())
}

// NewServerWithLogger creates a new MCP memory server. recorder may be
// nil to disable metrics.
func NewServerWithLogger(db *database.DB, store *accounts.Store, access *auth.Access, recorder *metrics.Recorder, logger *slog.Logger) *Server {
	return &Server{
		db:       db,
		accounts: store,
		access:   access,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "server")),
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.db.Close()
}

func successResult(data any) (*mcp.CallToolResult, any, error) {
	jsonData, _ := json.MarshalIndent(envelope{Success: true, Data: data}, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonData)},
		},
	}, nil, nil
}

func errorResult(code, message string) (*mcp.CallToolResult, any, error) {
	jsonData, _ := json.MarshalIndent(envelope{Success: false, Error: &errorBody{Code: code, Message: message}}, "", "  ")
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonData)},
		},
	}, nil, nil
}

// codeOf maps an operation error to its wire code.
func codeOf(err error) string {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return codePermissionDenied
	case errors.Is(err, auth.ErrRateLimited):
		return codeRateLimited
	case errors.Is(err, accounts.ErrUserNotFound), errors.Is(err, accounts.ErrTenantNotFound):
		return string(database.CodeNotFound)
	default:
		return string(database.CodeOf(err))
	}
}

// dispatch runs the shared pipeline around one tool call. validate may
// be nil for tools without input. op receives the resolved identity
// and must scope every store access by uc.OwnerID().
func (s *Server) dispatch(ctx context.Context, tool string, validate func() error, op func(uc *auth.UserContext) (any, error)) (*mcp.CallToolResult, any, error) {
	start := time.Now()

	logger := logging.LoggerWithContext(ctx, s.logger).With(slog.String("tool", tool))

	uc := auth.UserContextFrom(ctx)
	if uc == nil {
		logger.Warn("tool call without identity")
		s.recorder.RecordCall(ctx, tool, "", codeAuthError, time.Since(start))
		return errorResult(codeAuthError, "no authenticated identity on request")
	}
	fail := func(code, message string) (*mcp.CallToolResult, any, error) {
		s.recorder.RecordCall(ctx, tool, uc.Tenant.ID, code, time.Since(start))
		return errorResult(code, message)
	}

	if err := s.access.CanAccessTool(uc, tool); err != nil {
		logger.Warn("tool access denied", slog.String("reason", err.Error()))
		return fail(codePermissionDenied, err.Error())
	}
	if err := s.access.CheckRateLimit(uc, tool); err != nil {
		logger.Warn("rate limit exceeded")
		return fail(codeRateLimited, err.Error())
	}
	if validate != nil {
		if err := validate(); err != nil {
			return fail(codeValidation, err.Error())
		}
	}

	data, err := op(uc)
	if err != nil {
		code := codeOf(err)
		logger.Error("tool call failed",
			slog.String("code", code),
			slog.String("error", err.Error()))
		return fail(code, err.Error())
	}

	logger.Debug("tool call succeeded", slog.Duration("duration", time.Since(start)))
	s.recorder.RecordCall(ctx, tool, uc.Tenant.ID, "", time.Since(start))
	return successResult(data)
}

// RegisterTools registers all MCP tools with the server
func (s *Server) RegisterTools(mcpServer *mcp.Server) {
	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolCreateEntities,
			Description: "Create multiple new entities in the knowledge graph. Fails as a whole if any entity already exists",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params CreateEntitiesParams) (*mcp.CallToolResult, any, error) {
			return s.handleCreateEntities(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolCreateRelations,
			Description: "Create multiple new relations between entities in the knowledge graph. Relations should be in active voice",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params CreateRelationsParams) (*mcp.CallToolResult, any, error) {
			return s.handleCreateRelations(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolAddObservations,
			Description: "Add new observations to entities in the knowledge graph",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params AddObservationsParams) (*mcp.CallToolResult, any, error) {
			return s.handleAddObservations(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolDeleteEntities,
			Description: "Delete entities from the knowledge graph by name. Relations and observations that reference them are left in place",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params DeleteEntitiesParams) (*mcp.CallToolResult, any, error) {
			return s.handleDeleteEntities(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolDeleteEntitiesCascade,
			Description: "Delete entities together with every relation and observation that references them",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params DeleteEntitiesCascadeParams) (*mcp.CallToolResult, any, error) {
			return s.handleDeleteEntitiesCascade(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolDeleteObservations,
			Description: "Delete specific observations from entities in the knowledge graph",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params DeleteObservationsParams) (*mcp.CallToolResult, any, error) {
			return s.handleDeleteObservations(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolDeleteRelations,
			Description: "Delete multiple relations from the knowledge graph",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params DeleteRelationsParams) (*mcp.CallToolResult, any, error) {
			return s.handleDeleteRelations(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolReadGraph,
			Description: "Read the caller's entire knowledge graph",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
			return s.handleReadGraph(ctx)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolSearchNodes,
			Description: "Search for nodes in the knowledge graph. Returns separate matches on entity names, entity types, and observation text",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params SearchNodesParams) (*mcp.CallToolResult, any, error) {
			return s.handleSearchNodes(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolOpenNodes,
			Description: "Open specific nodes in the knowledge graph by their names. Unknown names are omitted",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params OpenNodesParams) (*mcp.CallToolResult, any, error) {
			return s.handleOpenNodes(ctx, params)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolGetTenantConfig,
			Description: "Read the calling tenant's settings and per-tool configuration",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
			return s.handleGetTenantConfig(ctx)
		},
	)

	mcp.AddTool(mcpServer,
		&mcp.Tool{
			Name:        accounts.ToolSetToolConfig,
			Description: "Update one tool's configuration for the calling tenant: enablement, allowed roles, and rate limits",
		},
		func(ctx context.Context, req *mcp.CallToolRequest, params SetToolConfigParams) (*mcp.CallToolResult, any, error) {
			return s.handleSetToolConfig(ctx, params)
		},
	)
}

func (s *Server) handleCreateEntities(ctx context.Context, params CreateEntitiesParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolCreateEntities,
		func() error { return ValidateCreateEntitiesParams(params) },
		func(uc *auth.UserContext) (any, error) {
			return s.db.CreateEntities(ctx, uc.OwnerID(), params.Entities)
		},
	)
}

func (s *Server) handleCreateRelations(ctx context.Context, params CreateRelationsParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolCreateRelations,
		func() error { return ValidateCreateRelationsParams(params) },
		func(uc *auth.UserContext) (any, error) {
			return s.db.CreateRelations(ctx, uc.OwnerID(), params.Relations)
		},
	)
}

func (s *Server) handleAddObservations(ctx context.Context, params AddObservationsParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolAddObservations,
		func() error { return ValidateAddObservationsParams(params) },
		func(uc *auth.UserContext) (any, error) {
			results := make([]ObservationResult, 0, len(params.Observations))
			for _, input := range params.Observations {
				added, err := s.db.AddObservations(ctx, uc.OwnerID(), input.EntityName, input.Contents)
				if err != nil {
					return nil, err
				}
				results = append(results, ObservationResult{
					EntityName:        input.EntityName,
					AddedObservations: added,
				})
			}
			return results, nil
		},
	)
}

func (s *Server) handleDeleteEntities(ctx context.Context, params DeleteEntitiesParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolDeleteEntities,
		func() error { return ValidateDeleteEntitiesParams(params) },
		func(uc *auth.UserContext) (any, error) {
			deleted, err := s.db.DeleteEntities(ctx, uc.OwnerID(), params.EntityNames)
			if err != nil {
				return nil, err
			}
			return DeleteCount{Deleted: deleted}, nil
		},
	)
}

func (s *Server) handleDeleteEntitiesCascade(ctx context.Context, params DeleteEntitiesCascadeParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolDeleteEntitiesCascade,
		func() error { return ValidateDeleteEntitiesCascadeParams(params) },
		func(uc *auth.UserContext) (any, error) {
			return s.db.DeleteEntitiesCascade(ctx, uc.OwnerID(), params.EntityNames)
		},
	)
}

func (s *Server) handleDeleteObservations(ctx context.Context, params DeleteObservationsParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolDeleteObservations,
		func() error { return ValidateDeleteObservationsParams(params) },
		func(uc *auth.UserContext) (any, error) {
			var total int64
			for _, del := range params.Deletions {
				deleted, err := s.db.DeleteObservations(ctx, uc.OwnerID(), del.EntityName, del.Observations)
				if err != nil {
					return nil, err
				}
				total += deleted
			}
			return DeleteCount{Deleted: total}, nil
		},
	)
}

func (s *Server) handleDeleteRelations(ctx context.Context, params DeleteRelationsParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolDeleteRelations,
		func() error { return ValidateDeleteRelationsParams(params) },
		func(uc *auth.UserContext) (any, error) {
			deleted, err := s.db.DeleteRelations(ctx, uc.OwnerID(), params.Relations)
			if err != nil {
				return nil, err
			}
			return DeleteCount{Deleted: deleted}, nil
		},
	)
}

func (s *Server) handleReadGraph(ctx context.Context) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolReadGraph,
		nil,
		func(uc *auth.UserContext) (any, error) {
			return s.db.ReadGraph(ctx, uc.OwnerID())
		},
	)
}

func (s *Server) handleSearchNodes(ctx context.Context, params SearchNodesParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolSearchNodes,
		func() error { return ValidateSearchNodesParams(params) },
		func(uc *auth.UserContext) (any, error) {
			return s.db.SearchNodes(ctx, uc.OwnerID(), params.Query)
		},
	)
}

func (s *Server) handleOpenNodes(ctx context.Context, params OpenNodesParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolOpenNodes,
		func() error { return ValidateOpenNodesParams(params) },
		func(uc *auth.UserContext) (any, error) {
			return s.db.OpenNodes(ctx, uc.OwnerID(), params.Names)
		},
	)
}

func (s *Server) handleGetTenantConfig(ctx context.Context) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolGetTenantConfig,
		nil,
		func(uc *auth.UserContext) (any, error) {
			if !s.access.HasPermission(uc, accounts.PermTenantManage) {
				return nil, &auth.DeniedError{
					Subject: uc.User.ID,
					Tool:    accounts.ToolGetTenantConfig,
					Reason:  "missing " + accounts.PermTenantManage + " permission",
				}
			}
			// Fresh read so concurrent config changes are visible.
			return s.accounts.GetTenant(ctx, uc.Tenant.ID)
		},
	)
}

func (s *Server) handleSetToolConfig(ctx context.Context, params SetToolConfigParams) (*mcp.CallToolResult, any, error) {
	return s.dispatch(ctx, accounts.ToolSetToolConfig,
		func() error { return ValidateSetToolConfigParams(params) },
		func(uc *auth.UserContext) (any, error) {
			if !s.access.HasPermission(uc, accounts.PermTenantManage) {
				return nil, &auth.DeniedError{
					Subject: uc.User.ID,
					Tool:    accounts.ToolSetToolConfig,
					Reason:  "missing " + accounts.PermTenantManage + " permission",
				}
			}

			perm := accounts.ToolPermission{
				Enabled:      params.Enabled,
				CustomConfig: params.CustomConfig,
			}
			for _, raw := range params.AllowedRoles {
				role, err := accounts.ParseRole(raw)
				if err != nil {
					return nil, err
				}
				perm.AllowedRoles = append(perm.AllowedRoles, role)
			}
			if params.RateLimits != nil {
				perm.RateLimits = *params.RateLimits
			}

			tenant, err := s.accounts.UpdateToolConfig(ctx, uc.Tenant.ID, params.Tool, perm)
			if err != nil {
				return nil, err
			}

			// The mutation is committed; a failed audit write must not
			// roll the call back into an error.
			audit := accounts.AuditRecord{
				TenantID: uc.Tenant.ID,
				ActorID:  uc.User.ID,
				Action:   accounts.ToolSetToolConfig,
				Detail:   fmt.Sprintf("tool %q enabled=%t roles=%v", params.Tool, params.Enabled, params.AllowedRoles),
			}
			if err := s.accounts.AppendAudit(ctx, audit); err != nil {
				s.logger.Warn("failed to write audit record",
					slog.String("tenant_id", uc.Tenant.ID),
					slog.String("error", err.Error()))
			}

			return tenant, nil
		},
	)
}
