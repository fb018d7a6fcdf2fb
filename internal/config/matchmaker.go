// ABOUTME: Environment-only configuration for the matchmaker process
// ABOUTME: Either reuses a minted token (GATEWAY_TOKEN) or authenticates with the shared secret

package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/caarlos0/env/v11"
)

// MatchmakerConfig configures clawlist-matchmaker.
type MatchmakerConfig struct {
	GatewayURL string `env:"GATEWAY_URL" envDefault:"http://127.0.0.1:3333"`
	Secret     string `env:"GATEWAY_SECRET" envDefault:"devsecret"`
	Token      string `env:"GATEWAY_TOKEN"`
	AgentID    string `env:"MATCHMAKER_ID" envDefault:"matchmaker"`
	LogLevel   string `env:"MATCHMAKER_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"MATCHMAKER_LOG_FORMAT" envDefault:"text"`
}

// Logging returns the logging settings in the shared shape.
func (c *MatchmakerConfig) Logging() LoggingConfig {
	return LoggingConfig{Level: c.LogLevel, Format: c.LogFormat}
}

// LoadMatchmaker reads the matchmaker configuration from the environment.
func LoadMatchmaker() (*MatchmakerConfig, error) {
	cfg := &MatchmakerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	u, err := url.Parse(cfg.GatewayURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("GATEWAY_URL %q must be an http(s) URL", cfg.GatewayURL)
	}
	if cfg.AgentID == "" {
		return nil, errors.New("MATCHMAKER_ID must not be empty")
	}
	if cfg.Token == "" && cfg.Secret == "" {
		return nil, errors.New("GATEWAY_TOKEN or GATEWAY_SECRET is required")
	}
	return cfg, nil
}
