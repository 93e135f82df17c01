package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auth modes accepted by Config.Auth.Mode.
const (
	AuthModeJWT    = "jwt"
	AuthModeStatic = "static"
)

// KV backends accepted by Config.KVStore.Backend.
const (
	KVBackendSQLite = "sqlite"
	KVBackendRedis  = "redis"
)

// AuthConfig selects how bearer credentials are validated.
type AuthConfig struct {
	Mode        string `yaml:"mode"`
	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	StaticToken string `yaml:"staticToken"`
	LocalUserID string `yaml:"localUserId"`
}

// KVStoreConfig selects where user, tenant and audit records live.
type KVStoreConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlitePath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	DBPath    string          `yaml:"dbPath"`
	Auth      AuthConfig      `yaml:"auth"`
	KVStore   KVStoreConfig   `yaml:"kvstore"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Load builds the configuration in three layers: built-in defaults,
// then an optional YAML file named by MEMORY_CONFIG_FILE, then
// environment variables. Environment always wins.
func Load() (*Config, error) {
	cfg := &Config{
		Auth: AuthConfig{
			Mode:        AuthModeStatic,
			LocalUserID: "local",
		},
		KVStore: KVStoreConfig{
			Backend: KVBackendSQLite,
		},
		RateLimit: RateLimitConfig{Enabled: true},
		Metrics:   MetricsConfig{Enabled: true},
	}

	// Optional YAML file layer
	if path := os.Getenv("MEMORY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Database path configuration
	if v := os.Getenv("MEMORY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if cfg.DBPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = filepath.Join(homeDir, ".mcp-memory", "memory.db")
	}

	// Auth configuration
	if v := os.Getenv("MEMORY_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("MEMORY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("MEMORY_JWT_ISSUER"); v != "" {
		cfg.Auth.JWTIssuer = v
	}
	if v := os.Getenv("MEMORY_STATIC_TOKEN"); v != "" {
		cfg.Auth.StaticToken = v
	}
	if v := os.Getenv("MEMORY_LOCAL_USER_ID"); v != "" {
		cfg.Auth.LocalUserID = v
	}

	// Account store configuration
	if v := os.Getenv("MEMORY_KV_BACKEND"); v != "" {
		cfg.KVStore.Backend = v
	}
	if v := os.Getenv("MEMORY_KV_PATH"); v != "" {
		cfg.KVStore.SQLitePath = v
	}
	if v := os.Getenv("MEMORY_REDIS_ADDR"); v != "" {
		cfg.KVStore.RedisAddr = v
	}
	if v := os.Getenv("MEMORY_REDIS_PASSWORD"); v != "" {
		cfg.KVStore.RedisPassword = v
	}
	if v := os.Getenv("MEMORY_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: MEMORY_REDIS_DB: %w", err)
		}
		cfg.KVStore.RedisDB = n
	}
	if cfg.KVStore.SQLitePath == "" {
		cfg.KVStore.SQLitePath = filepath.Join(filepath.Dir(cfg.DBPath), "accounts.db")
	}

	// Feature toggles
	if v := os.Getenv("MEMORY_RATE_LIMIT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: MEMORY_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit.Enabled = b
	}
	if v := os.Getenv("MEMORY_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: MEMORY_METRICS: %w", err)
		}
		cfg.Metrics.Enabled = b
	}

	cfg.Auth.Mode = strings.ToLower(cfg.Auth.Mode)
	switch cfg.Auth.Mode {
	case AuthModeJWT:
		if cfg.Auth.JWTSecret == "" {
			return nil, fmt.Errorf("config: auth mode %q requires a JWT secret", AuthModeJWT)
		}
	case AuthModeStatic:
	default:
		return nil, fmt.Errorf("config: unknown auth mode %q", cfg.Auth.Mode)
	}

	cfg.KVStore.Backend = strings.ToLower(cfg.KVStore.Backend)
	switch cfg.KVStore.Backend {
	case KVBackendSQLite, KVBackendRedis:
	default:
		return nil, fmt.Errorf("config: unknown kv backend %q", cfg.KVStore.Backend)
	}

	// Ensure the data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, err
	}
	if cfg.KVStore.Backend == KVBackendSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.KVStore.SQLitePath), 0755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}
