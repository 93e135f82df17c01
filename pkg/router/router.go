package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jamesprial/mcp-memory-cloud/internal/logging"
	"github.com/jamesprial/mcp-memory-cloud/pkg/auth"
)

const (
	HEALTH  = "/healthz"
	READY   = "/readyz"
	HTTP    = "/mcp/stream"
	SSE     = "/mcp/sse"
	METRICS = "/metrics"
)

// RouterConfig configures the HTTP router that wraps MCP handlers.
type RouterConfig struct {
	// BasePath to mount the router under, e.g. "/api" (optional).
	BasePath string
	// StreamOptions passed to the MCP streamable HTTP handler (nil = defaults).
	StreamOptions *mcp.StreamableHTTPOptions
	// EnableSSE registers the SSE endpoint at <BasePath>/mcp/sse.
	EnableSSE bool
	// EnableStream registers the streamable HTTP endpoint at <BasePath>/mcp/stream.
	EnableStream bool
	McpName      string
	McpVersion   string

	// Resolver authenticates bearer tokens on the MCP endpoints. When
	// nil the endpoints are mounted without authentication; only local
	// single-user topologies should do that.
	Resolver *auth.Resolver

	// ReadyCheck runs on every /readyz request. Nil means always ready.
	ReadyCheck func(ctx context.Context) error

	// Metrics, when set, is mounted at <BasePath>/metrics.
	Metrics http.Handler
}

// NewRouter returns an http.Handler that mounts health, info, and MCP endpoints.
//
// Endpoints (relative to cfg.BasePath):
//
//	GET  /                 - basic info and available endpoints
//	GET  /healthz          - liveness probe ("ok")
//	GET  /readyz           - readiness probe (runs cfg.ReadyCheck)
//	GET  /metrics          - Prometheus exposition (if cfg.Metrics set)
//	GET  /mcp/sse          - MCP over Server-Sent Events (if EnableSSE)
//	POST /mcp/stream       - MCP streamable HTTP (if EnableStream)
//
// The MCP endpoints are provided by github.com/modelcontextprotocol/go-sdk/mcp
// and, when cfg.Resolver is set, reject requests whose bearer token does not
// resolve to an active identity: 401 for credential failures, 403 for
// deactivated users or tenants.
func NewRouter(mcpServer *mcp.Server, logger *slog.Logger, cfg *RouterConfig) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &RouterConfig{EnableStream: true}
	}

	mux := http.NewServeMux()

	// Utility to join base and path cleanly.
	join := func(base, path string) string {
		b := strings.TrimRight(base, "/")
		p := strings.TrimLeft(path, "/")
		if b == "" {
			return "/" + p
		}
		return b + "/" + p
	}

	// Health endpoints
	mux.Handle(join(cfg.BasePath, HEALTH), requestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})))
	mux.Handle(join(cfg.BasePath, READY), requestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		if cfg.ReadyCheck != nil {
			if err := cfg.ReadyCheck(r.Context()); err != nil {
				logger.Warn("readiness check failed", slog.String("error", err.Error()))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})))

	// Root info endpoint: advertises available endpoints.
	// Only respond to exact match of the root path, not as a catch-all
	rootPath := join(cfg.BasePath, "/")
	mux.Handle(rootPath, requestLogger(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only handle exact path match
		if r.URL.Path != rootPath {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		type endpoints struct {
			Health  string `json:"health"`
			Ready   string `json:"ready"`
			Metrics string `json:"metrics,omitempty"`
			SSE     string `json:"sse,omitempty"`
			Stream  string `json:"stream,omitempty"`
		}
		info := struct {
			Name      string    `json:"name"`
			Version   string    `json:"version"`
			Timestamp time.Time `json:"timestamp"`
			Endpoints endpoints `json:"endpoints"`
		}{
			Name:      cfg.McpName,
			Version:   cfg.McpVersion,
			Timestamp: time.Now().UTC(),
			Endpoints: endpoints{
				Health: join(cfg.BasePath, HEALTH),
				Ready:  join(cfg.BasePath, READY),
			},
		}
		if cfg.Metrics != nil {
			info.Endpoints.Metrics = join(cfg.BasePath, METRICS)
		}
		if cfg.EnableSSE {
			info.Endpoints.SSE = join(cfg.BasePath, SSE)
		}
		if cfg.EnableStream {
			info.Endpoints.Stream = join(cfg.BasePath, HTTP)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})))

	// Metrics endpoint. No auth; bind the listener accordingly.
	if cfg.Metrics != nil {
		mux.Handle(join(cfg.BasePath, METRICS), requestLogger(logger, cfg.Metrics))
	}

	// MCP handlers (mounted under /mcp/...). Authentication wraps the
	// handler so the request logger still sees rejected requests.
	guard := func(next http.Handler) http.Handler {
		if cfg.Resolver == nil {
			return next
		}
		return bearerAuth(cfg.Resolver, logger, next)
	}
	if cfg.EnableSSE {
		// SSE handler provided by the MCP SDK.
		sseHandler := mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return mcpServer })
		mux.Handle(join(cfg.BasePath, SSE), requestLogger(logger, guard(sseHandler)))
	}
	if cfg.EnableStream {
		// Streamable HTTP handler provided by the MCP SDK.
		streamHandler := mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return mcpServer },
			cfg.StreamOptions,
		)
		mux.Handle(join(cfg.BasePath, HTTP), requestLogger(logger, guard(streamHandler)))
	}

	// Return the mux directly - logging is already applied to individual handlers
	return mux
}

// bearerAuth resolves the Authorization header into a UserContext and
// attaches it to the request context. Credential failures get 401,
// deactivated identities 403; the body never says which part of the
// credential was wrong.
func bearerAuth(resolver *auth.Resolver, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc, err := resolver.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			// Inactive records outrank the credential check; anything
			// that is not a credential failure is an account-store
			// problem and must not read as "bad token" to the client.
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, auth.ErrUserInactive), errors.Is(err, auth.ErrTenantInactive):
				status = http.StatusForbidden
			case auth.IsAuthError(err):
				status = http.StatusUnauthorized
				w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-memory"`)
			}
			if status == http.StatusInternalServerError {
				logger.Error("identity resolution failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
			} else {
				logger.Warn("request rejected",
					slog.String("path", r.URL.Path),
					slog.Int("status", status),
					slog.String("reason", err.Error()))
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		ctx := auth.WithUserContext(r.Context(), uc)
		ctx = logging.WithUserID(ctx, uc.User.ID)
		ctx = logging.WithTenantID(ctx, uc.Tenant.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from an "Authorization: Bearer x"
// header. Missing or differently-shaped headers yield the empty string,
// which the resolver rejects as missing credentials.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// requestLogger is a lightweight HTTP middleware that logs request/response details.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		r = r.WithContext(logging.WithRequestID(r.Context(), requestID))
		lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(lw, r)
		logger.Info("http_request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", lw.status),
			slog.Int64("bytes", lw.bytes),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += int64(n)
	return n, err
}
