package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
	"github.com/jamesprial/mcp-memory-cloud/pkg/auth"
	"github.com/jamesprial/mcp-memory-cloud/pkg/kvstore"
)

// TestNewRouter provides comprehensive testing for the router, ensuring all
// endpoints are correctly registered and the info endpoint is accurate.
func TestNewRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// join is a local copy of the unexported join function from router.go for test setup.
	join := func(base, path string) string {
		b := strings.TrimRight(base, "/")
		p := strings.TrimLeft(path, "/")
		if b == "" {
			return "/" + p
		}
		return b + "/" + p
	}

	metricsStub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# HELP stub\n"))
	})

	testCases := []struct {
		name          string
		config        *RouterConfig
		expectStream  bool
		expectSSE     bool
		expectMetrics bool
	}{
		{
			name: "default config (stream only)",
			config: &RouterConfig{
				EnableStream: true,
				EnableSSE:    false,
				McpName:      "test-server",
				McpVersion:   "v1.2.3",
			},
			expectStream:  true,
			expectSSE:     false,
			expectMetrics: false,
		},
		{
			name: "sse stream and metrics enabled",
			config: &RouterConfig{
				EnableStream: true,
				EnableSSE:    true,
				McpName:      "test-server",
				McpVersion:   "v1.2.3",
				Metrics:      metricsStub,
			},
			expectStream:  true,
			expectSSE:     true,
			expectMetrics: true,
		},
		{
			name: "all mcp disabled",
			config: &RouterConfig{
				EnableStream: false,
				EnableSSE:    false,
				McpName:      "test-server",
				McpVersion:   "v1.2.3",
			},
			expectStream:  false,
			expectSSE:     false,
			expectMetrics: false,
		},
		{
			name: "with base path",
			config: &RouterConfig{
				BasePath:     "/api/v1",
				EnableStream: true,
				EnableSSE:    true,
				McpName:      "test-server",
				McpVersion:   "v1.2.3",
			},
			expectStream:  true,
			expectSSE:     true,
			expectMetrics: false,
		},
		{
			name:         "nil config (defaults to stream only)",
			config:       nil,
			expectStream: true,
			expectSSE:    false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Create a fresh MCP server for each test to avoid contamination
			mcpServer := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v1.2.3"}, nil)

			// Determine effective config for this test case, as NewRouter handles nil.
			effectiveConfig := tc.config
			if effectiveConfig == nil {
				effectiveConfig = &RouterConfig{EnableStream: true} // This is the default in NewRouter
			}

			handler := NewRouter(mcpServer, logger, tc.config)

			// --- Test endpoint registration and methods ---
			testEndpoint := func(method, path string, expectedStatus int) {
				t.Helper()
				req := httptest.NewRequest(method, path, nil)
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				if rr.Code != expectedStatus {
					t.Errorf("%s %s: expected status %d, got %d", method, path, expectedStatus, rr.Code)
				}
			}

			basePath := effectiveConfig.BasePath
			// Always-on endpoints
			testEndpoint(http.MethodGet, join(basePath, HEALTH), http.StatusOK)
			testEndpoint(http.MethodPost, join(basePath, HEALTH), http.StatusMethodNotAllowed)
			testEndpoint(http.MethodGet, join(basePath, READY), http.StatusOK)
			testEndpoint(http.MethodPost, join(basePath, READY), http.StatusMethodNotAllowed)
			testEndpoint(http.MethodGet, join(basePath, "/"), http.StatusOK)
			testEndpoint(http.MethodPost, join(basePath, "/"), http.StatusMethodNotAllowed)

			// Conditional metrics endpoint
			metricsPath := join(basePath, METRICS)
			if tc.expectMetrics {
				testEndpoint(http.MethodGet, metricsPath, http.StatusOK)
			} else {
				testEndpoint(http.MethodGet, metricsPath, http.StatusNotFound)
			}

			// Conditional stream endpoint
			streamPath := join(basePath, HTTP)
			if tc.expectStream {
				testEndpoint(http.MethodPost, streamPath, http.StatusBadRequest) // 400 for empty body is correct for mounted route
				testEndpoint(http.MethodGet, streamPath, http.StatusBadRequest) // Streamable handler returns 400 for GET
			} else {
				testEndpoint(http.MethodPost, streamPath, http.StatusNotFound)
				testEndpoint(http.MethodGet, streamPath, http.StatusNotFound)
			}

			// Conditional SSE endpoint
			ssePath := join(basePath, SSE)
			if tc.expectSSE {
				// SSE endpoint opens a persistent connection, so we need to test it differently
				// We'll just verify it's mounted and responds, but close the connection immediately
				req := httptest.NewRequest(http.MethodGet, ssePath, nil)
				rr := httptest.NewRecorder()

				// Use a goroutine with timeout to prevent hanging
				done := make(chan bool, 1)
				go func() {
					handler.ServeHTTP(rr, req)
					done <- true
				}()

				// Wait briefly for the SSE handler to start responding
				select {
				case <-done:
					// Handler completed (shouldn't happen for SSE)
				case <-time.After(10 * time.Millisecond):
					// SSE handler started, which is what we expect
				}

				// For SSE, just check that it started responding (status will be 200)
				// We can't easily check the full response without a proper SSE client
				testEndpoint(http.MethodPost, ssePath, http.StatusBadRequest) // SSE handler returns 400 for POST
			} else {
				testEndpoint(http.MethodGet, ssePath, http.StatusNotFound)
				testEndpoint(http.MethodPost, ssePath, http.StatusNotFound)
			}

			// --- Test info endpoint content ---
			infoReq := httptest.NewRequest(http.MethodGet, join(basePath, "/"), nil)
			infoRR := httptest.NewRecorder()
			handler.ServeHTTP(infoRR, infoReq)

			if infoRR.Code != http.StatusOK {
				t.Fatalf("info endpoint: expected status %d, got %d", http.StatusOK, infoRR.Code)
			}

			var infoResponse struct {
				Name      string `json:"name"`
				Version   string `json:"version"`
				Endpoints struct {
					Health  string `json:"health"`
					Ready   string `json:"ready"`
					Metrics string `json:"metrics,omitempty"`
					SSE     string `json:"sse,omitempty"`
					Stream  string `json:"stream,omitempty"`
				} `json:"endpoints"`
			}

			if err := json.NewDecoder(infoRR.Body).Decode(&infoResponse); err != nil {
				t.Fatalf("info endpoint: failed to decode JSON response: %v", err)
			}

			if infoResponse.Name != effectiveConfig.McpName {
				t.Errorf("info.Name: expected %q, got %q", effectiveConfig.McpName, infoResponse.Name)
			}
			if infoResponse.Version != effectiveConfig.McpVersion {
				t.Errorf("info.Version: expected %q, got %q", effectiveConfig.McpVersion, infoResponse.Version)
			}

			if infoResponse.Endpoints.Health != join(basePath, HEALTH) {
				t.Errorf("info.Endpoints.Health: expected %q, got %q", join(basePath, HEALTH), infoResponse.Endpoints.Health)
			}
			if infoResponse.Endpoints.Ready != join(basePath, READY) {
				t.Errorf("info.Endpoints.Ready: expected %q, got %q", join(basePath, READY), infoResponse.Endpoints.Ready)
			}

			if tc.expectMetrics && infoResponse.Endpoints.Metrics != metricsPath {
				t.Errorf("info.Endpoints.Metrics: expected %q, got %q", metricsPath, infoResponse.Endpoints.Metrics)
			} else if !tc.expectMetrics && infoResponse.Endpoints.Metrics != "" {
				t.Errorf("info.Endpoints.Metrics: expected empty, got %q", infoResponse.Endpoints.Metrics)
			}

			if tc.expectStream && infoResponse.Endpoints.Stream != streamPath {
				t.Errorf("info.Endpoints.Stream: expected %q, got %q", streamPath, infoResponse.Endpoints.Stream)
			} else if !tc.expectStream && infoResponse.Endpoints.Stream != "" {
				t.Errorf("info.Endpoints.Stream: expected empty, got %q", infoResponse.Endpoints.Stream)
			}

			if tc.expectSSE && infoResponse.Endpoints.SSE != ssePath {
				t.Errorf("info.Endpoints.SSE: expected %q, got %q", ssePath, infoResponse.Endpoints.SSE)
			} else if !tc.expectSSE && infoResponse.Endpoints.SSE != "" {
				t.Errorf("info.Endpoints.SSE: expected empty, got %q", infoResponse.Endpoints.SSE)
			}
		})
	}
}

func TestRouterReadyCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v1"}, nil)

	probe := func(handler http.Handler, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	healthy := NewRouter(mcpServer, logger, &RouterConfig{
		ReadyCheck: func(context.Context) error { return nil },
	})
	if code := probe(healthy, READY); code != http.StatusOK {
		t.Errorf("ready check passing: expected %d, got %d", http.StatusOK, code)
	}

	failing := NewRouter(mcpServer, logger, &RouterConfig{
		ReadyCheck: func(context.Context) error { return errors.New("database is closed") },
	})
	if code := probe(failing, READY); code != http.StatusServiceUnavailable {
		t.Errorf("ready check failing: expected %d, got %d", http.StatusServiceUnavailable, code)
	}
	// Liveness is independent of readiness.
	if code := probe(failing, HEALTH); code != http.StatusOK {
		t.Errorf("liveness with failing ready check: expected %d, got %d", http.StatusOK, code)
	}
}

func TestRouterBearerAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv, err := kvstore.NewSQLiteStore("file::memory:?cache=shared", logger)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	store := accounts.NewStore(kv, logger)
	validator := auth.NewStaticTokenValidator("router-test-token", "router-user", "router-tenant")
	resolver := auth.NewResolver(validator, store, logger)

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v1"}, nil)
	handler := NewRouter(mcpServer, logger, &RouterConfig{
		EnableStream: true,
		Resolver:     resolver,
	})

	request := func(authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, HTTP, nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	t.Run("missing header", func(t *testing.T) {
		rr := request("")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected %d, got %d", http.StatusUnauthorized, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Error("expected WWW-Authenticate challenge header")
		}
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		if rr := request("Basic dXNlcjpwYXNz"); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected %d, got %d", http.StatusUnauthorized, rr.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		if rr := request("Bearer not-the-token"); rr.Code != http.StatusUnauthorized {
			t.Errorf("expected %d, got %d", http.StatusUnauthorized, rr.Code)
		}
	})

	t.Run("valid token reaches the mcp handler", func(t *testing.T) {
		// Empty POST body gets a 400 from the streamable handler, which
		// proves the request cleared authentication.
		if rr := request("Bearer router-test-token"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected %d, got %d", http.StatusBadRequest, rr.Code)
		}
	})

	t.Run("deactivated user gets 403", func(t *testing.T) {
		ctx := context.Background()
		user, err := store.GetUser(ctx, "router-user")
		if err != nil {
			t.Fatalf("load user: %v", err)
		}
		user.IsActive = false
		if err := store.PutUser(ctx, user); err != nil {
			t.Fatalf("store user: %v", err)
		}

		if rr := request("Bearer router-test-token"); rr.Code != http.StatusForbidden {
			t.Errorf("expected %d, got %d", http.StatusForbidden, rr.Code)
		}

		user.IsActive = true
		if err := store.PutUser(ctx, user); err != nil {
			t.Fatalf("restore user: %v", err)
		}
	})

	t.Run("deactivated tenant gets 403", func(t *testing.T) {
		ctx := context.Background()
		tenant, err := store.GetTenant(ctx, "router-tenant")
		if err != nil {
			t.Fatalf("load tenant: %v", err)
		}
		tenant.IsActive = false
		if err := store.PutTenant(ctx, tenant); err != nil {
			t.Fatalf("store tenant: %v", err)
		}

		if rr := request("Bearer router-test-token"); rr.Code != http.StatusForbidden {
			t.Errorf("expected %d, got %d", http.StatusForbidden, rr.Code)
		}
	})

	t.Run("account store failure gets 500", func(t *testing.T) {
		if err := kv.Close(); err != nil {
			t.Fatalf("close kvstore: %v", err)
		}

		rr := request("Bearer router-test-token")
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected %d, got %d", http.StatusInternalServerError, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") != "" {
			t.Error("store failures must not issue a credential challenge")
		}
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer   abc123  ", "abc123"},
		{"", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
		{"Basic abc123", ""},
		{"abc123", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(req); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
