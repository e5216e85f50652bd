// Package config provides configuration management for Amplifier.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Amplifier.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	ACP     ACPConfig     `mapstructure:"acp"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Bundles BundlesConfig `mapstructure:"bundles"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration. There is deliberately no
// write timeout: the event streams stay open for the life of the client.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
}

// ACPConfig holds the protocol endpoint configuration.
type ACPConfig struct {
	// Enabled mounts the ACP endpoints at the server root and moves the
	// observer API under /amplifier/. Controlled by AMPLIFIER_ACP_ENABLED.
	Enabled bool `mapstructure:"enabled"`

	// PermissionTimeout is the default number of seconds to wait for a
	// client to answer session/request_permission before the default
	// resolver fires. Individual approval requests may override it.
	PermissionTimeout int `mapstructure:"permissionTimeout"`
}

// StorageConfig holds session persistence configuration.
type StorageConfig struct {
	// Dir overrides the projects root. Empty means <home>/.amplifier/projects.
	Dir string `mapstructure:"dir"`

	// NoPersist disables session persistence entirely. Controlled by
	// AMPLIFIER_NO_PERSIST.
	NoPersist bool `mapstructure:"noPersist"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MCPConfig holds the embedded MCP inspection server configuration.
// The server mounts on the main HTTP listener at /mcp and /sse.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// BundlesConfig holds agent bundle manifest configuration.
type BundlesConfig struct {
	// Dir is where bundle manifests live. Empty means <home>/.amplifier/bundles.
	Dir string `mapstructure:"dir"`
}

// RuntimeConfig holds agent execution configuration.
type RuntimeConfig struct {
	// Provider names the default completion provider when a session's
	// bundle does not choose one.
	Provider string `mapstructure:"provider"`

	// MaxTurnRequests bounds provider requests per prompt turn.
	// Zero means unlimited; exceeding it stops the turn with
	// stop_reason max_turn_requests.
	MaxTurnRequests int `mapstructure:"maxTurnRequests"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PermissionTimeoutDuration returns the permission timeout as a time.Duration.
func (a *ACPConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(a.PermissionTimeout) * time.Second
}

// ProjectsRoot resolves the directory that holds per-project session
// storage. Returns "" when persistence is disabled.
func (s *StorageConfig) ProjectsRoot() (string, error) {
	if s.NoPersist {
		return "", nil
	}
	if s.Dir != "" {
		return expandHome(s.Dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".amplifier", "projects"), nil
}

// ManifestDir resolves the bundle manifest directory. Defaults to
// ~/.amplifier/bundles when no explicit directory is configured.
func (b *BundlesConfig) ManifestDir() (string, error) {
	if b.Dir != "" {
		return expandHome(b.Dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".amplifier", "bundles"), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Truthy reports whether an environment value means "enabled".
// Accepted values are 1, true, and yes, case-insensitively.
func Truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("AMPLIFIER_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)

	// ACP defaults - disabled unless AMPLIFIER_ACP_ENABLED is truthy
	v.SetDefault("acp.enabled", false)
	v.SetDefault("acp.permissionTimeout", 300)

	// Storage defaults - empty dir means <home>/.amplifier/projects
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.noPersist", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "amplifier-client")
	v.SetDefault("nats.maxReconnects", 10)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)

	// Bundle defaults - empty dir means <home>/.amplifier/bundles
	v.SetDefault("bundles.dir", "")

	// Runtime defaults
	v.SetDefault("runtime.provider", "echo")
	v.SetDefault("runtime.maxTurnRequests", 0)

	// Logging defaults - stderr keeps stdout clean for protocol frames
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AMPLIFIER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/amplifier/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AMPLIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("acp.permissionTimeout", "AMPLIFIER_ACP_PERMISSION_TIMEOUT")
	_ = v.BindEnv("nats.clientId", "AMPLIFIER_NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "AMPLIFIER_NATS_MAX_RECONNECTS")
	_ = v.BindEnv("runtime.maxTurnRequests", "AMPLIFIER_RUNTIME_MAX_TURN_REQUESTS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/amplifier/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides handles the flag-style environment variables whose
// accepted values ("yes") are wider than what viper's bool parsing takes.
func applyEnvOverrides(cfg *Config) {
	if raw, ok := os.LookupEnv("AMPLIFIER_ACP_ENABLED"); ok {
		cfg.ACP.Enabled = Truthy(raw)
	}
	if raw, ok := os.LookupEnv("AMPLIFIER_NO_PERSIST"); ok {
		cfg.Storage.NoPersist = Truthy(raw)
	}
	if raw, ok := os.LookupEnv("AMPLIFIER_STORAGE_DIR"); ok && raw != "" {
		cfg.Storage.Dir = raw
	}
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.ACP.PermissionTimeout <= 0 {
		errs = append(errs, "acp.permissionTimeout must be positive")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	if cfg.NATS.MaxReconnects < 0 {
		errs = append(errs, "nats.maxReconnects must not be negative")
	}

	if cfg.Runtime.MaxTurnRequests < 0 {
		errs = append(errs, "runtime.maxTurnRequests must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
