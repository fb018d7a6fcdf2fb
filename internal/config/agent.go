// ABOUTME: Configuration loading for the clawlist agent (Matrix side)
// ABOUTME: Loads TOML config with environment variable expansion and CLAWLIST_* overrides

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Redaction modes for the event journal.
const (
	RedactNone = "none"
	RedactDM   = "dm"
	RedactAll  = "all"
)

// AgentConfig is the configuration of one agent process.
type AgentConfig struct {
	Matrix    MatrixConfig    `toml:"matrix"`
	Log       EventLogConfig  `toml:"log"`
	Sink      SinkConfig      `toml:"sink"`
	Responder ResponderConfig `toml:"responder"`
	LLM       LLMConfig       `toml:"llm"`
	Logging   LoggingConfig   `toml:"logging"`
}

// MatrixConfig identifies the homeserver account and the two rooms an agent watches.
type MatrixConfig struct {
	BaseURL         string   `toml:"base_url" env:"CLAWLIST_MATRIX_BASE_URL"`
	UserID          string   `toml:"user_id" env:"CLAWLIST_MATRIX_USER_ID"`
	Password        string   `toml:"password,omitempty" env:"CLAWLIST_MATRIX_PASSWORD"`
	AccessToken     string   `toml:"access_token,omitempty" env:"CLAWLIST_MATRIX_ACCESS_TOKEN"`
	DeviceID        string   `toml:"device_id,omitempty"`
	GossipRoomAlias string   `toml:"gossip_room_alias,omitempty"`
	GossipRoomID    string   `toml:"gossip_room_id,omitempty"`
	DMRoomID        string   `toml:"dm_room_id,omitempty"`
	DMRoomIDs       []string `toml:"dm_room_ids,omitempty"`
}

// EventLogConfig controls the events.jsonl journal.
type EventLogConfig struct {
	Dir    string `toml:"dir" env:"CLAWLIST_LOG_DIR"`
	Redact string `toml:"redact" env:"CLAWLIST_LOG_REDACT"`
}

// SinkConfig configures the outbound notification pipeline.
type SinkConfig struct {
	URL             string        `toml:"url" env:"CLAWLIST_SINK_URL"`
	Token           string        `toml:"token" env:"CLAWLIST_SINK_TOKEN"`
	QueueMax        int           `toml:"queue_max" env:"CLAWLIST_SINK_QUEUE_MAX"`
	RateLimitPerSec float64       `toml:"rate_limit_per_sec" env:"CLAWLIST_SINK_RATE_LIMIT"`
	RetryMax        int           `toml:"retry_max" env:"CLAWLIST_SINK_RETRY_MAX"`
	Timeout         time.Duration `toml:"-"`
	RetryDelay      time.Duration `toml:"-"`
	DedupeTTL       time.Duration `toml:"-"`
	DrainTimeout    time.Duration `toml:"-"`

	// Raw string values for TOML decoding
	TimeoutRaw      string `toml:"timeout" env:"CLAWLIST_SINK_TIMEOUT"`
	RetryDelayRaw   string `toml:"retry_delay" env:"CLAWLIST_SINK_RETRY_DELAY"`
	DedupeTTLRaw    string `toml:"dedupe_ttl" env:"CLAWLIST_SINK_DEDUPE_TTL"`
	DrainTimeoutRaw string `toml:"drain_timeout" env:"CLAWLIST_SINK_DRAIN_TIMEOUT"`
}

// ResponderConfig configures the optional external reply command.
type ResponderConfig struct {
	Command   string   `toml:"command" env:"CLAWLIST_RESPONDER_CMD"`
	Args      []string `toml:"args"`
	SessionID string   `toml:"session_id"`
	Rooms     string   `toml:"rooms"`      // gossip, dm or both
	Match     string   `toml:"match"`      // optional regexp gossip bodies must match
	MatchFile string   `toml:"match_file"` // optional file of literal lines, one must appear in gossip bodies
}

// LLMConfig configures the built-in chat responder. An empty backend
// disables it.
type LLMConfig struct {
	Backend    string `toml:"backend" env:"CLAWLIST_LLM_BACKEND"` // openai or ollama
	Model      string `toml:"model,omitempty" env:"CLAWLIST_LLM_MODEL"`
	BaseURL    string `toml:"base_url,omitempty" env:"CLAWLIST_LLM_BASE_URL"`
	APIKey     string `toml:"api_key,omitempty" env:"OPENAI_API_KEY"`
	PromptPath string `toml:"prompt_path,omitempty"`
	MaxHistory int    `toml:"max_history,omitempty"`
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Log: EventLogConfig{
			Dir:    DefaultLogDir,
			Redact: RedactNone,
		},
		Sink: SinkConfig{
			QueueMax:        1000,
			RateLimitPerSec: 5,
			RetryMax:        3,
			Timeout:         5 * time.Second,
			RetryDelay:      500 * time.Millisecond,
			DedupeTTL:       10 * time.Minute,
			DrainTimeout:    5 * time.Second,
		},
		Responder: ResponderConfig{
			Rooms: "both",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadAgent reads an agent config from the given path, expanding environment
// variables, applying CLAWLIST_* overrides and validating the result.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultAgentConfig()
	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	if err := parseSinkDurations(&cfg.Sink); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks that required config fields are present and valid.
func (c *AgentConfig) Validate() error {
	if c.Matrix.BaseURL == "" {
		return errors.New("matrix.base_url is required")
	}
	if _, err := url.Parse(c.Matrix.BaseURL); err != nil {
		return fmt.Errorf("matrix.base_url is not a valid URL: %w", err)
	}
	if c.Matrix.UserID == "" {
		return errors.New("matrix.user_id is required")
	}
	if c.Matrix.Password == "" && c.Matrix.AccessToken == "" {
		return errors.New("matrix.password or matrix.access_token is required")
	}

	switch c.Log.Redact {
	case RedactNone, RedactDM, RedactAll:
	default:
		return fmt.Errorf("log.redact %q must be none, dm or all", c.Log.Redact)
	}

	if c.Sink.URL != "" {
		u, err := url.Parse(c.Sink.URL)
		if err != nil {
			return fmt.Errorf("sink.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("sink.url must use http or https scheme")
		}
	}
	if c.Sink.QueueMax <= 0 {
		return errors.New("sink.queue_max must be positive")
	}
	if c.Sink.RateLimitPerSec <= 0 {
		return errors.New("sink.rate_limit_per_sec must be positive")
	}
	if c.Sink.RetryMax < 0 {
		return errors.New("sink.retry_max must not be negative")
	}

	switch c.Responder.Rooms {
	case "gossip", "dm", "both":
	default:
		return fmt.Errorf("responder.rooms %q must be gossip, dm or both", c.Responder.Rooms)
	}

	switch c.LLM.Backend {
	case "", "openai", "ollama":
	default:
		return fmt.Errorf("llm.backend %q must be openai or ollama", c.LLM.Backend)
	}
	if c.LLM.Backend != "" && c.Responder.Command != "" {
		return errors.New("llm.backend and responder.command are mutually exclusive")
	}
	if c.LLM.BaseURL != "" {
		if _, err := url.Parse(c.LLM.BaseURL); err != nil {
			return fmt.Errorf("llm.base_url is not a valid URL: %w", err)
		}
	}
	if c.LLM.MaxHistory < 0 {
		return errors.New("llm.max_history must not be negative")
	}

	return nil
}

// SaveAgent writes cfg to path as TOML. Durations are written back as
// strings; environment references are written out expanded.
func SaveAgent(path string, cfg *AgentConfig) error {
	out := *cfg
	out.Sink.TimeoutRaw = out.Sink.Timeout.String()
	out.Sink.RetryDelayRaw = out.Sink.RetryDelay.String()
	out.Sink.DedupeTTLRaw = out.Sink.DedupeTTL.String()
	out.Sink.DrainTimeoutRaw = out.Sink.DrainTimeout.String()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(&out); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// parseSinkDurations converts the raw duration strings into time.Duration values
func parseSinkDurations(s *SinkConfig) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", s.TimeoutRaw, &s.Timeout},
		{"retry_delay", s.RetryDelayRaw, &s.RetryDelay},
		{"dedupe_ttl", s.DedupeTTLRaw, &s.DedupeTTL},
		{"drain_timeout", s.DrainTimeoutRaw, &s.DrainTimeout},
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
