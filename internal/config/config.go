// ABOUTME: Configuration loading and parsing for clawlist-gateway
// ABOUTME: Supports YAML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the values the broker has always shipped with.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 3333
	DefaultSecret            = "devsecret"
	DefaultLogDir            = "logs"
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultStreamBuffer      = 64
)

// Config represents the complete clawlist-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Streams   StreamsConfig   `yaml:"streams"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the bind address of the HTTP surface
type ServerConfig struct {
	Host string `yaml:"host" env:"GATEWAY_HOST"`
	Port int    `yaml:"port" env:"GATEWAY_PORT"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" env:"GATEWAY_TAILSCALE"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds the shared registration secret and the token signing key.
// SigningKey may be empty, in which case a random key is generated per process
// and tokens do not survive a restart (neither do sessions).
type AuthConfig struct {
	Secret     string `yaml:"secret" env:"GATEWAY_SECRET"`
	SigningKey string `yaml:"signing_key" env:"GATEWAY_SIGNING_KEY"`
}

// LedgerConfig controls where audit records are appended
type LedgerConfig struct {
	Dir        string `yaml:"dir" env:"GATEWAY_LOG_DIR"`
	SQLitePath string `yaml:"sqlite_path" env:"GATEWAY_AUDIT_DB"`
}

// StreamsConfig holds SSE delivery tuning
type StreamsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	BufferSize        int           `yaml:"buffer_size" env:"GATEWAY_STREAM_BUFFER"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" env:"GATEWAY_HEARTBEAT_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"GATEWAY_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"GATEWAY_LOG_FORMAT"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Tailscale: TailscaleConfig{
			Hostname: "clawlist-gateway",
		},
		Auth: AuthConfig{
			Secret: DefaultSecret,
		},
		Ledger: LedgerConfig{
			Dir: DefaultLogDir,
		},
		Streams: StreamsConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
			BufferSize:        DefaultStreamBuffer,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then GATEWAY_*
// variables override whatever the file set. An empty path skips the file and
// builds the configuration from defaults and the environment alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	if !c.Tailscale.Enabled {
		if c.Server.Host == "" {
			return errors.New("server.host is required (or enable tailscale)")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port %d is out of range", c.Server.Port)
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Ledger.Dir == "" {
		return errors.New("ledger.dir is required")
	}

	if c.Streams.HeartbeatInterval <= 0 {
		return errors.New("streams.heartbeat_interval must be positive")
	}
	if c.Streams.BufferSize <= 0 {
		return errors.New("streams.buffer_size must be positive")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Streams.HeartbeatIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.Streams.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Streams.HeartbeatIntervalRaw, err)
		}
		cfg.Streams.HeartbeatInterval = d
	}
	return nil
}
