// Package config loads the dashboard's YAML configuration. ${VAR}
// references are expanded from the environment before parsing and
// durations are written as Go duration strings ("30m", "1s").
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tourwatch.org/internal/backend"
	"tourwatch.org/internal/guard"
	"tourwatch.org/internal/session"
)

// Environment variables consulted by Load and FromEnv.
const (
	EnvConfigPath = "TOURWATCH_CONFIG"
	EnvPGDSN      = "TOURWATCH_PG_DSN"
	EnvJWTSecret  = "TOURWATCH_JWT_SECRET"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"

	BackendLocal  = "local"
	BackendRemote = "remote"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Session  session.Config  `yaml:"session"`
	Storage  StorageConfig   `yaml:"storage"`
	Backend  BackendConfig   `yaml:"backend"`
	Logging  LoggingConfig   `yaml:"logging"`
	Surfaces []guard.Surface `yaml:"surfaces"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client on credential routes.
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// StorageConfig selects where the session grant is persisted.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Key    string `yaml:"key"`
	// AutoMigrate applies the embedded migrations on start (postgres only).
	AutoMigrate bool `yaml:"auto_migrate"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
}

// BackendConfig selects the credential backend.
type BackendConfig struct {
	Mode       string            `yaml:"mode"`
	RemoteURL  string            `yaml:"remote_url"`
	JWTSecret  string            `yaml:"jwt_secret"`
	Issuer     string            `yaml:"issuer"`
	TokenTTL   time.Duration     `yaml:"token_ttl"`
	RefreshTTL time.Duration     `yaml:"refresh_ttl"`
	Accounts   []backend.Account `yaml:"accounts"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs without any external service.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       5,
			RateBurst:       10,
			MaxBodyBytes:    1 << 20,
		},
		Session: session.DefaultConfig(),
		Storage: StorageConfig{
			Driver:      StorageMemory,
			RedisPrefix: "tourwatch:",
		},
		Backend: BackendConfig{
			Mode:       BackendLocal,
			Issuer:     "tourwatch",
			TokenTTL:   30 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// FromEnv loads TOURWATCH_CONFIG when set and otherwise starts from
// Default with environment overrides.
func FromEnv() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with its value; unset variables expand to "".
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvPGDSN); dsn != "" {
		c.Storage.DSN = dsn
		if c.Storage.Driver == "" || c.Storage.Driver == StorageMemory {
			c.Storage.Driver = StoragePostgres
		}
	}
	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		c.Backend.JWTSecret = secret
	}
}

// Validate returns the first invalid setting it finds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Session.MaxAttempts < 0 {
		return errors.New("session.max_attempts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"session.timeout":       c.Session.SessionTimeout,
		"session.tick":          c.Session.Tick,
		"session.expiring_soon": c.Session.ExpiringSoon,
		"session.inactivity":    c.Session.Inactivity,
		"session.lockout":       c.Session.Lockout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch c.Storage.Driver {
	case "", StorageMemory:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver (or set %s)", EnvPGDSN)
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, postgres, redis", c.Storage.Driver)
	}

	switch c.Backend.Mode {
	case "", BackendLocal:
		if c.Backend.JWTSecret == "" {
			return fmt.Errorf("backend.jwt_secret is required for the local backend (or set %s)", EnvJWTSecret)
		}
	case BackendRemote:
		if c.Backend.RemoteURL == "" {
			return errors.New("backend.remote_url is required for the remote backend")
		}
	default:
		return fmt.Errorf("backend.mode %q is not one of local, remote", c.Backend.Mode)
	}

	if len(c.Surfaces) > 0 {
		if _, err := guard.NewRegistry(c.Surfaces); err != nil {
			return fmt.Errorf("surfaces: %w", err)
		}
	}
	return nil
}

// Registry builds the surface registry, falling back to the dashboard's
// default catalogue.
func (c *Config) Registry() (*guard.Registry, error) {
	if len(c.Surfaces) == 0 {
		return guard.NewRegistry(guard.DefaultSurfaces())
	}
	return guard.NewRegistry(c.Surfaces)
}
