// ABOUTME: Configuration loading and parsing for localbase
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults for a single-operator local deployment.
const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultDatabasePath   = "./data/sqlite/localbase.db"
	DefaultDatabaseDriver = "sqlite"
	DefaultJWTSecret      = "local-secret-key-change-in-production"
	DefaultIssuer         = "localbase"
	DefaultTokenExpiry    = 24 * time.Hour
	DefaultUserID         = "local-user-123"
	DefaultProjectID      = "local-project-123"
	DefaultUserEmail      = "local@example.com"
	DefaultProjectName    = "Local Project"
	DefaultLLMBaseURL     = "http://localhost:8000/v1"
	DefaultModel          = "local-mistral"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 4096
	DefaultRequestTimeout = 120 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultBusyTimeout    = 5 * time.Second
	DefaultMetricsPath    = "/metrics"
)

// Config represents the complete localbase configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Local    LocalConfig    `yaml:"local" toml:"local"`
	LLM      LLMConfig      `yaml:"llm" toml:"llm"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds embedded store configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (modernc) or "sqlite3" (cgo)

	BusyTimeout    time.Duration `yaml:"-" toml:"-"`
	BusyTimeoutRaw string        `yaml:"busy_timeout" toml:"busy_timeout"`
}

// AuthConfig holds local token configuration.
// The secret is a placeholder; local tokens are not meant to stop a real attacker.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`

	TokenExpiry    time.Duration `yaml:"-" toml:"-"`
	TokenExpiryRaw string        `yaml:"token_expiry" toml:"token_expiry"`
}

// LocalConfig names the default identity every unverifiable request falls back to
type LocalConfig struct {
	UserID      string `yaml:"user_id" toml:"user_id"`
	ProjectID   string `yaml:"project_id" toml:"project_id"`
	UserEmail   string `yaml:"user_email" toml:"user_email"`
	ProjectName string `yaml:"project_name" toml:"project_name"`
}

// LLMConfig holds the local inference server settings
type LLMConfig struct {
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	DefaultModel string  `yaml:"default_model" toml:"default_model"`
	Temperature  float32 `yaml:"temperature" toml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`

	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	HealthTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	HealthTimeoutRaw  string `yaml:"health_timeout" toml:"health_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration that runs fully local with no file present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads the file at path, or returns Default() when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills every unset field with its local-mode default
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}

	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = DefaultJWTSecret
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = DefaultTokenExpiry
	}

	if c.Local.UserID == "" {
		c.Local.UserID = DefaultUserID
	}
	if c.Local.ProjectID == "" {
		c.Local.ProjectID = DefaultProjectID
	}
	if c.Local.UserEmail == "" {
		c.Local.UserEmail = DefaultUserEmail
	}
	if c.Local.ProjectName == "" {
		c.Local.ProjectName = DefaultProjectName
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultLLMBaseURL
	}
	c.LLM.BaseURL = strings.TrimRight(c.LLM.BaseURL, "/")
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = DefaultModel
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultTemperature
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = DefaultRequestTimeout
	}
	if c.LLM.HealthTimeout == 0 {
		c.LLM.HealthTimeout = DefaultHealthTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all configuration fields are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if !strings.HasPrefix(c.LLM.BaseURL, "http://") && !strings.HasPrefix(c.LLM.BaseURL, "https://") {
		return fmt.Errorf("llm.base_url must be an http(s) URL, got %q", c.LLM.BaseURL)
	}

	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must not be negative")
	}

	if c.Auth.TokenExpiry < 0 {
		return fmt.Errorf("auth.token_expiry must not be negative")
	}

	if c.Local.UserID == c.Local.ProjectID {
		return fmt.Errorf("local.user_id and local.project_id must differ")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.busy_timeout", cfg.Database.BusyTimeoutRaw, &cfg.Database.BusyTimeout},
		{"auth.token_expiry", cfg.Auth.TokenExpiryRaw, &cfg.Auth.TokenExpiry},
		{"llm.request_timeout", cfg.LLM.RequestTimeoutRaw, &cfg.LLM.RequestTimeout},
		{"llm.health_timeout", cfg.LLM.HealthTimeoutRaw, &cfg.LLM.HealthTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
