package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jamesprial/mcp-memory-cloud/internal/config"
	"github.com/jamesprial/mcp-memory-cloud/internal/logging"
	"github.com/jamesprial/mcp-memory-cloud/internal/metrics"
	"github.com/jamesprial/mcp-memory-cloud/pkg/accounts"
	"github.com/jamesprial/mcp-memory-cloud/pkg/auth"
	"github.com/jamesprial/mcp-memory-cloud/pkg/database"
	"github.com/jamesprial/mcp-memory-cloud/pkg/kvstore"
	"github.com/jamesprial/mcp-memory-cloud/pkg/router"
	"github.com/jamesprial/mcp-memory-cloud/pkg/server"
)

const (
	MCP_NAME = "mcp-memory-cloud"
	VERSION  = "1.0.0"
)

var (
	httpAddr = flag.String("http", "", "HTTP address to listen on (e.g., :8080). If not set, uses stdio")
	sseMode  = flag.Bool("sse", false, "Use SSE (Server-Sent Events) for HTTP mode")
	portFile = flag.String("portfile", "", "If set with -http, write the actual bound TCP port to this file")
)

func main() {
	flag.Parse()

	logLevel := logging.GetLogLevel()
	logger := logging.NewLogger(MCP_NAME, logLevel)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("graceful shutdown complete")
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log startup information
	logger.Info("starting MCP memory server",
		slog.String("version", VERSION),
		slog.String("log_level", logging.GetLogLevel().String()),
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("configuration loaded",
		slog.String("db_path", cfg.DBPath),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("kv_backend", cfg.KVStore.Backend),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled),
		slog.Bool("metrics", cfg.Metrics.Enabled),
	)

	// Graph store
	dbLogger := logger.With(slog.String("component", "database"))
	db, err := database.NewDBWithLogger(cfg.DBPath, dbLogger)
	if err != nil {
		logger.Error("failed to initialize database",
			slog.String("error", err.Error()),
			slog.String("path", cfg.DBPath),
		)
		return err
	}

	// Account store and identity plumbing
	kv, err := openKVStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open account store backend",
			slog.String("error", err.Error()),
			slog.String("backend", cfg.KVStore.Backend),
		)
		return err
	}
	store := accounts.NewStore(kv, logger)
	resolver := auth.NewResolver(buildValidator(cfg), store, logger)

	var limiter *auth.Limiter
	if cfg.RateLimit.Enabled {
		limiter = auth.NewLimiter()
	}
	access := auth.NewAccess(limiter)

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder, err = metrics.NewRecorder(MCP_NAME)
		if err != nil {
			logger.Error("failed to initialize metrics", slog.String("error", err.Error()))
			return err
		}
	}

	// Create the server with logger
	srv := server.NewServerWithLogger(db, store, access, recorder, logger)

	// Create MCP server
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    MCP_NAME,
			Version: VERSION,
		},
		nil,
	)

	// Register all tools
	srv.RegisterTools(mcpServer)

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Channel to signal when server is done
	done := make(chan error, 1)
	var httpServer *http.Server

	// Start the appropriate server based on flags
	if *httpAddr != "" {
		if cfg.Auth.Mode == config.AuthModeStatic && cfg.Auth.StaticToken == "" {
			logger.Warn("static auth mode with empty STATIC_TOKEN rejects every HTTP client")
		}
		httpServer, err = startHTTPServer(logger, mcpServer, resolver, db, recorder, done)
		if err != nil {
			return err
		}
	} else {
		runCtx, err := localContext(ctx, cfg, resolver, store, logger)
		if err != nil {
			return err
		}
		startStdioServer(runCtx, logger, mcpServer, done)
	}

	// Wait for either server error or interrupt signal
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		logger.Info("server stopped cleanly")
	case sig := <-sigChan:
		logger.Info("received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	}

	// Perform graceful shutdown
	shutdown(logger, httpServer, srv, kv, limiter, recorder)

	return nil
}

// buildValidator picks the credential validator for the configured auth
// mode. config.Load has already rejected unknown modes.
func buildValidator(cfg *config.Config) auth.CredentialValidator {
	if cfg.Auth.Mode == config.AuthModeJWT {
		return auth.NewJWTValidator(auth.JWTConfig{
			Secret: []byte(cfg.Auth.JWTSecret),
			Issuer: cfg.Auth.JWTIssuer,
		})
	}
	return auth.NewStaticTokenValidator(cfg.Auth.StaticToken, cfg.Auth.LocalUserID, "")
}

func openKVStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kvstore.Store, error) {
	kvLogger := logger.With(slog.String("component", "kvstore"))
	if cfg.KVStore.Backend == config.KVBackendRedis {
		return kvstore.NewRedisStore(ctx, kvstore.RedisOptions{
			Addr:     cfg.KVStore.RedisAddr,
			Password: cfg.KVStore.RedisPassword,
			DB:       cfg.KVStore.RedisDB,
		}, kvLogger)
	}
	return kvstore.NewSQLiteStore(cfg.KVStore.SQLitePath, kvLogger)
}

// localContext resolves the stdio identity once and attaches it to the
// run context. There is no bearer header on stdio; every tool call in
// the session runs as this identity.
func localContext(ctx context.Context, cfg *config.Config, resolver *auth.Resolver, store *accounts.Store, logger *slog.Logger) (context.Context, error) {
	uc, err := resolver.Materialize(ctx, &auth.TokenPayload{UserID: cfg.Auth.LocalUserID})
	if err != nil {
		return nil, fmt.Errorf("resolve local identity %q: %w", cfg.Auth.LocalUserID, err)
	}

	// The stdio operator owns the process and the data files, so the
	// local identity gets the admin role and with it the administrative
	// tools.
	if uc.User.Role != accounts.RoleAdmin {
		uc.User.Role = accounts.RoleAdmin
		if err := store.PutUser(ctx, uc.User); err != nil {
			logger.Warn("failed to persist local admin role", slog.String("error", err.Error()))
		}
	}

	logger.Info("running as local identity",
		slog.String("user_id", uc.User.ID),
		slog.String("tenant_id", uc.Tenant.ID),
	)

	ctx = auth.WithUserContext(ctx, uc)
	ctx = logging.WithUserID(ctx, uc.User.ID)
	ctx = logging.WithTenantID(ctx, uc.Tenant.ID)
	return ctx, nil
}

func shutdown(logger *slog.Logger, httpServer *http.Server, srv *server.Server, kv kvstore.Store, limiter *auth.Limiter, recorder *metrics.Recorder) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		logger.Info("shutting down HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
	}

	logger.Info("shutting down application server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("application server shutdown error", slog.String("error", err.Error()))
	}

	if err := kv.Close(); err != nil {
		logger.Error("account store shutdown error", slog.String("error", err.Error()))
	}

	if limiter != nil {
		limiter.Stop()
	}
	if recorder != nil {
		if err := recorder.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
}

func startHTTPServer(logger *slog.Logger, mcpServer *mcp.Server, resolver *auth.Resolver, db *database.DB, recorder *metrics.Recorder, done chan<- error) (*http.Server, error) {
	routerCfg := &router.RouterConfig{
		EnableSSE:    *sseMode,
		EnableStream: true, // Always enable stream endpoint in HTTP mode
		McpName:      MCP_NAME,
		McpVersion:   VERSION,
		Resolver:     resolver,
		ReadyCheck:   db.Ping,
		Metrics:      recorder.Handler(),
	}
	handler := router.NewRouter(mcpServer, logger, routerCfg)
	httpServer := &http.Server{Addr: *httpAddr, Handler: handler}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("HTTP listen error: %w", err)
	}

	if *portFile != "" {
		addr := ln.Addr().(*net.TCPAddr)
		if err := os.WriteFile(*portFile, []byte(fmt.Sprintf("%d", addr.Port)), 0644); err != nil {
			logger.Warn("failed writing portfile", slog.String("error", err.Error()), slog.String("file", *portFile))
		} else {
			logger.Info("wrote port to file", slog.Int("port", addr.Port), slog.String("file", *portFile))
		}
	}

	go func() {
		logger.Info("starting HTTP server", slog.Bool("sse_enabled", *sseMode), slog.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			done <- fmt.Errorf("HTTP server error: %w", err)
		} else {
			done <- nil
		}
	}()
	return httpServer, nil
}

func startStdioServer(ctx context.Context, logger *slog.Logger, mcpServer *mcp.Server, done chan<- error) {
	go func() {
		logger.Info("starting in stdio mode")
		if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
			done <- err
		} else {
			done <- nil
		}
	}()
}
