// Package config loads msgstats settings: YAML file merged over Default(),
// then environment overrides.
package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full msgstats configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Messages      MessagesConfig      `yaml:"messages"`
	Database      DatabaseConfig      `yaml:"database"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Log           LogConfig           `yaml:"log"`
}

// ServerConfig controls the HTTP listener and the API surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	APIPrefix       string        `yaml:"api_prefix"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DebugRoutes     bool          `yaml:"debug_routes"`
}

// MessagesConfig locates the chat.db and bounds snapshot work.
type MessagesConfig struct {
	DBPath         string        `yaml:"db_path"`
	TempDir        string        `yaml:"temp_dir"` // "" = os.TempDir()
	CopySidecars   bool          `yaml:"copy_sidecars"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DefaultLimit   int           `yaml:"default_limit"`
}

// DatabaseConfig selects the users store. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ObservabilityConfig locates the ops database.
type ObservabilityConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	AuditBuffer   int    `yaml:"audit_buffer"`
}

// AuthConfig holds token signing, cookie and OAuth provider settings.
type AuthConfig struct {
	SecretKey     string         `yaml:"secret_key"`
	TokenExpiry   time.Duration  `yaml:"token_expiry"`
	SecureCookies bool           `yaml:"secure_cookies"`
	CookieDomain  string         `yaml:"cookie_domain"`
	GitHub        ProviderConfig `yaml:"github"`
	Google        ProviderConfig `yaml:"google"`
}

// ProviderConfig is one OAuth client registration. A provider with an empty
// ClientID is disabled.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// Enabled reports whether the provider has a client id.
func (p ProviderConfig) Enabled() bool { return p.ClientID != "" }

// MCPConfig mounts the MCP streamable HTTP endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig sets the slog level.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Default returns the settings used when no file or env var overrides them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":9000",
			APIPrefix:       "/api/v1",
			CORSOrigins:     []string{"http://localhost:9000", "http://localhost:3000"},
			ShutdownTimeout: 10 * time.Second,
			DebugRoutes:     true,
		},
		Messages: MessagesConfig{
			DBPath:         "~/Library/Messages/chat.db",
			CopySidecars:   true,
			MaxConcurrent:  4,
			RequestTimeout: 30 * time.Second,
			DefaultLimit:   10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "msgstats.db",
		},
		Observability: ObservabilityConfig{
			DBPath:        "msgstats_ops.db",
			RetentionDays: 30,
			AuditBuffer:   1000,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
			GitHub: ProviderConfig{
				RedirectURL: "http://localhost:9000/api/v1/auth/github/callback",
			},
			Google: ProviderConfig{
				RedirectURL: "http://localhost:9000/api/v1/auth/google/callback",
			},
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty) over Default(), applies environment
// overrides and expands "~" in file paths. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, p := range []*string{&cfg.Messages.DBPath, &cfg.Messages.TempDir, &cfg.Observability.DBPath} {
		*p = ExpandHome(*p)
	}
	if cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = ExpandHome(cfg.Database.DSN)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MSGSTATS_ADDR"); v != "" {
		c.Server.Addr = v
	} else if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: PORT %q is not a number", v)
		}
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	c.Messages.DBPath = env("IMESSAGE_DB_PATH", c.Messages.DBPath)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Driver, c.Database.DSN = parseDatabaseURL(v)
	}
	c.Auth.SecretKey = env("SECRET_KEY", c.Auth.SecretKey)
	c.Auth.GitHub.ClientID = env("GITHUB_CLIENT_ID", c.Auth.GitHub.ClientID)
	c.Auth.GitHub.ClientSecret = env("GITHUB_CLIENT_SECRET", c.Auth.GitHub.ClientSecret)
	c.Auth.Google.ClientID = env("GOOGLE_CLIENT_ID", c.Auth.Google.ClientID)
	c.Auth.Google.ClientSecret = env("GOOGLE_CLIENT_SECRET", c.Auth.Google.ClientSecret)
	c.Log.Level = env("LOG_LEVEL", c.Log.Level)
	return nil
}

// Validate checks the settings every mode needs.
func (c *Config) Validate() error {
	if c.Messages.DBPath == "" {
		return fmt.Errorf("config: messages.db_path is required")
	}
	if c.Messages.MaxConcurrent <= 0 {
		return fmt.Errorf("config: messages.max_concurrent must be > 0")
	}
	if c.Messages.RequestTimeout <= 0 {
		return fmt.Errorf("config: messages.request_timeout must be > 0")
	}
	if c.Messages.DefaultLimit <= 0 {
		return fmt.Errorf("config: messages.default_limit must be > 0")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// ValidateServer checks Validate plus what the HTTP server needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if p := c.Server.APIPrefix; p != "" && (!strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/")) {
		return fmt.Errorf("config: server.api_prefix %q must start with / and not end with /", p)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.driver %q (use sqlite or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Observability.DBPath == "" {
		return fmt.Errorf("config: observability.db_path is required")
	}
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("config: auth.secret_key (or SECRET_KEY) is required")
	}
	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("config: auth.token_expiry must be > 0")
	}
	for name, p := range map[string]ProviderConfig{"github": c.Auth.GitHub, "google": c.Auth.Google} {
		if p.Enabled() && (p.ClientSecret == "" || p.RedirectURL == "") {
			return fmt.Errorf("config: auth.%s needs client_secret and redirect_url", name)
		}
	}
	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		return fmt.Errorf("config: mcp.path %q must start with /", c.MCP.Path)
	}
	return nil
}

// JWTSecret derives the 32-byte HS256 key from Auth.SecretKey.
func (c *Config) JWTSecret() []byte {
	sum := sha256.Sum256([]byte(c.Auth.SecretKey))
	return sum[:]
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level %q: %w", c.Log.Level, err)
	}
	return lvl, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// parseDatabaseURL maps DATABASE_URL onto a driver and DSN. postgres:// and
// postgresql:// URLs go to lib/pq as-is; sqlite:// URLs and bare paths open
// a SQLite file.
func parseDatabaseURL(u string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres", u
	case strings.HasPrefix(u, "sqlite://"):
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	default:
		return "sqlite", u
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
