// ABOUTME: Configuration loading and parsing for tunnelgate.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for tunnel timing when the config file leaves them unset.
const (
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultExchangeTimeout   = 120 * time.Second
)

// Config represents the complete tunnelgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds capability token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RegistryConfig holds connection registry configuration
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// LifecycleConfig holds the workspace lifecycle backend endpoint.
// Notifications are disabled when URL is empty.
type LifecycleConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// TunnelConfig holds tunnel timing configuration
type TunnelConfig struct {
	KeepaliveInterval time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`
	ExchangeTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
	ExchangeTimeoutRaw   string `yaml:"exchange_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	if c.Tunnel.KeepaliveInterval >= c.Tunnel.IdleTimeout {
		return fmt.Errorf("tunnel.keepalive_interval must be shorter than tunnel.idle_timeout")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Tunnel.KeepaliveInterval == 0 {
		c.Tunnel.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Tunnel.IdleTimeout == 0 {
		c.Tunnel.IdleTimeout = DefaultIdleTimeout
	}
	if c.Tunnel.ExchangeTimeout == 0 {
		c.Tunnel.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Tunnel.KeepaliveIntervalRaw != "" {
		cfg.Tunnel.KeepaliveInterval, err = time.ParseDuration(cfg.Tunnel.KeepaliveIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_interval %q: %w", cfg.Tunnel.KeepaliveIntervalRaw, err)
		}
	}

	if cfg.Tunnel.IdleTimeoutRaw != "" {
		cfg.Tunnel.IdleTimeout, err = time.ParseDuration(cfg.Tunnel.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Tunnel.IdleTimeoutRaw, err)
		}
	}

	if cfg.Tunnel.ExchangeTimeoutRaw != "" {
		cfg.Tunnel.ExchangeTimeout, err = time.ParseDuration(cfg.Tunnel.ExchangeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing exchange_timeout %q: %w", cfg.Tunnel.ExchangeTimeoutRaw, err)
		}
	}

	return nil
}
