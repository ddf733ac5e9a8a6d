// Package config builds the gateway configuration once at startup.
// Precedence: defaults < config file (YAML or TOML) < environment < command-line overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings like "30s" in YAML and TOML files.
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Upstream UpstreamConfig `yaml:"upstream" toml:"upstream"`
	Limiter  LimiterConfig  `yaml:"limiter" toml:"limiter"`
	CORS     CORSConfig     `yaml:"cors" toml:"cors"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr          string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr          string   `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health listener
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// TrustProxy takes the login client address from X-Forwarded-For. Enable only behind a proxy.
	TrustProxy bool `yaml:"trust_proxy" toml:"trust_proxy"`
	// TLS is used by both listeners when both files are set.
	TLSCertFile string `yaml:"tls_cert" toml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key" toml:"tls_key"`
}

// TLSEnabled reports whether a certificate pair is configured.
func (s ServerConfig) TLSEnabled() bool { return s.TLSCertFile != "" && s.TLSKeyFile != "" }

// AuthConfig holds token and credential settings.
type AuthConfig struct {
	JWTSecret    string       `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL     Duration     `yaml:"token_ttl" toml:"token_ttl"`
	DevPasswords DevPasswords `yaml:"dev_passwords" toml:"dev_passwords"`
}

// DevPasswords lists placeholder secrets accepted for any existing account of a class.
// Development only. Leave empty in every real deployment.
type DevPasswords struct {
	Admin []string `yaml:"admin" toml:"admin"`
	User  []string `yaml:"user" toml:"user"`
}

// DatabaseConfig holds the credential store connection.
type DatabaseConfig struct {
	DSN           string   `yaml:"dsn" toml:"dsn"`
	LookupTimeout Duration `yaml:"lookup_timeout" toml:"lookup_timeout"`
}

// UpstreamConfig describes the agent server the gateway forwards to.
type UpstreamConfig struct {
	BaseURL               string   `yaml:"base_url" toml:"base_url"`
	CookieName            string   `yaml:"cookie_name" toml:"cookie_name"`
	AdminMarker           string   `yaml:"admin_marker" toml:"admin_marker"`
	GuestMarker           string   `yaml:"guest_marker" toml:"guest_marker"`
	ResponseHeaderTimeout Duration `yaml:"response_header_timeout" toml:"response_header_timeout"`
	PollTimeout           Duration `yaml:"poll_timeout" toml:"poll_timeout"`
	StreamIdleTimeout     Duration `yaml:"stream_idle_timeout" toml:"stream_idle_timeout"`
	StreamMaxDuration     Duration `yaml:"stream_max_duration" toml:"stream_max_duration"`
	HealthTimeout         Duration `yaml:"health_timeout" toml:"health_timeout"`
	HealthInterval        Duration `yaml:"health_interval" toml:"health_interval"`
}

// LimiterConfig configures failed-login throttling (PostgreSQL store only).
type LimiterConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Window   Duration `yaml:"window" toml:"window"`
	MaxFails int      `yaml:"max_fails" toml:"max_fails"`
	BlockFor Duration `yaml:"block_for" toml:"block_for"`
}

// CORSConfig lists browser origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json | console
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:          ":8001",
			ReadHeaderTimeout: Duration{10 * time.Second},
			ShutdownTimeout:   Duration{5 * time.Second},
		},
		Auth: AuthConfig{TokenTTL: Duration{480 * time.Minute}},
		Database: DatabaseConfig{
			LookupTimeout: Duration{5 * time.Second},
		},
		Upstream: UpstreamConfig{
			BaseURL:               "http://localhost:8000",
			CookieName:            "vanna_email",
			AdminMarker:           "admin@example.com",
			GuestMarker:           "guest@example.com",
			ResponseHeaderTimeout: Duration{60 * time.Second},
			PollTimeout:           Duration{30 * time.Second},
			StreamIdleTimeout:     Duration{60 * time.Second},
			StreamMaxDuration:     Duration{10 * time.Minute},
			HealthTimeout:         Duration{5 * time.Second},
			HealthInterval:        Duration{15 * time.Second},
		},
		Limiter: LimiterConfig{
			Enabled:  true,
			Window:   Duration{15 * time.Minute},
			MaxFails: 5,
			BlockFor: Duration{15 * time.Minute},
		},
		CORS: CORSConfig{AllowedOrigins: []string{
			"http://localhost:3000", "http://127.0.0.1:3000",
			"http://localhost:5500", "http://127.0.0.1:5500",
			"http://localhost:8080", "http://127.0.0.1:8080",
		}},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the optional file at path, a .env file in
// the working directory, the environment and finally override (may be nil). The result is
// validated.
func Load(path string, override func(*Config)) (Config, error) {
	cfg := Default()

	// .env is optional; loaded first so the file can reference its variables
	_ = godotenv.Load()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg, os.LookupEnv)

	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parsing toml config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return fmt.Errorf("parsing yaml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value (empty when unset).
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("JWT_SECRET", &cfg.Auth.JWTSecret)
	set("DATABASE_URL", &cfg.Database.DSN)
	set("UPSTREAM_URL", &cfg.Upstream.BaseURL)
	set("GATEWAY_ADDR", &cfg.Server.HTTPAddr)
	set("LOG_LEVEL", &cfg.Logging.Level)
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required (or JWT_SECRET)")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required (or DATABASE_URL)")
	}
	if _, err := StoreKind(c.Database.DSN); err != nil {
		return err
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q must be an absolute http(s) URL", c.Upstream.BaseURL)
	}
	if c.Upstream.CookieName == "" || c.Upstream.AdminMarker == "" || c.Upstream.GuestMarker == "" {
		return errors.New("upstream cookie_name, admin_marker and guest_marker are required")
	}
	for name, d := range map[string]Duration{
		"upstream.poll_timeout":            c.Upstream.PollTimeout,
		"upstream.response_header_timeout": c.Upstream.ResponseHeaderTimeout,
		"upstream.stream_idle_timeout":     c.Upstream.StreamIdleTimeout,
		"upstream.stream_max_duration":     c.Upstream.StreamMaxDuration,
		"upstream.health_timeout":          c.Upstream.HealthTimeout,
		"database.lookup_timeout":          c.Database.LookupTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Limiter.Enabled && (c.Limiter.MaxFails <= 0 || c.Limiter.Window.Duration <= 0 || c.Limiter.BlockFor.Duration <= 0) {
		return errors.New("limiter window, max_fails and block_for must be positive when enabled")
	}
	return nil
}

// Store kinds understood by StoreKind.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// StoreKind reports which credential store backend a DSN selects.
func StoreKind(dsn string) (string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return StorePostgres, nil
	case strings.HasPrefix(dsn, "sqlite:"), strings.HasPrefix(dsn, "file:"):
		return StoreSQLite, nil
	default:
		return "", fmt.Errorf("database.dsn: unsupported scheme in %q", redactDSN(dsn))
	}
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
