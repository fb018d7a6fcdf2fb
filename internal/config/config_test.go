// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env var expansion, env overrides and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
server:
  host: "0.0.0.0"
  port: 4444

auth:
  secret: "s3cret"

ledger:
  dir: "/tmp/clawlist-logs"
  sqlite_path: "/tmp/clawlist-logs/audit.db"

streams:
  heartbeat_interval: "10s"
  buffer_size: 16

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Server.Addr(); got != "0.0.0.0:4444" {
		t.Errorf("Server.Addr() = %q, want %q", got, "0.0.0.0:4444")
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Errorf("Auth.Secret = %q, want %q", cfg.Auth.Secret, "s3cret")
	}
	if cfg.Ledger.SQLitePath != "/tmp/clawlist-logs/audit.db" {
		t.Errorf("Ledger.SQLitePath = %q", cfg.Ledger.SQLitePath)
	}
	if cfg.Streams.HeartbeatInterval != 10*time.Second {
		t.Errorf("Streams.HeartbeatInterval = %v, want 10s", cfg.Streams.HeartbeatInterval)
	}
	if cfg.Streams.BufferSize != 16 {
		t.Errorf("Streams.BufferSize = %d, want 16", cfg.Streams.BufferSize)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:3333" {
		t.Errorf("Server.Addr() = %q, want 127.0.0.1:3333", cfg.Server.Addr())
	}
	if cfg.Auth.Secret != DefaultSecret {
		t.Errorf("Auth.Secret = %q, want %q", cfg.Auth.Secret, DefaultSecret)
	}
	if cfg.Streams.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("Streams.HeartbeatInterval = %v, want %v", cfg.Streams.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if cfg.Ledger.Dir != DefaultLogDir {
		t.Errorf("Ledger.Dir = %q, want %q", cfg.Ledger.Dir, DefaultLogDir)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "5555")
	t.Setenv("GATEWAY_SECRET", "from-env")
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL", "1s")

	path := writeFile(t, "gateway.yaml", `
server:
  port: 4444
auth:
  secret: "from-file"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555", cfg.Server.Port)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("Auth.Secret = %q, want from-env", cfg.Auth.Secret)
	}
	if cfg.Streams.HeartbeatInterval != time.Second {
		t.Errorf("Streams.HeartbeatInterval = %v, want 1s", cfg.Streams.HeartbeatInterval)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CLAWLIST_SECRET", "expanded-secret")

	path := writeFile(t, "gateway.yaml", `
auth:
  secret: "${TEST_CLAWLIST_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Secret != "expanded-secret" {
		t.Errorf("Auth.Secret = %q, want expanded-secret", cfg.Auth.Secret)
	}
}

func TestLoad_UnsetVarFailsValidation(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
auth:
  secret: "${TEST_CLAWLIST_DEFINITELY_UNSET}"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for empty secret")
	}
	if !strings.Contains(err.Error(), "auth.secret") {
		t.Errorf("error = %v, want mention of auth.secret", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeFile(t, "gateway.yaml", "server: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
streams:
  heartbeat_interval: "soon"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("error = %v, want mention of heartbeat_interval", err)
	}
}

func TestLoadAgent_ValidConfig(t *testing.T) {
	path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
password = "changeme"
gossip_room_id = "!gossip:localhost"
dm_room_id = "!dm:localhost"

[log]
dir = "logs/a"
redact = "dm"

[sink]
url = "http://127.0.0.1:18789/hooks/clawlist"
timeout = "2s"
retry_delay = "100ms"
dedupe_ttl = "1m"
rate_limit_per_sec = 2
`)

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}

	if cfg.Matrix.UserID != "@agent_a:localhost" {
		t.Errorf("Matrix.UserID = %q", cfg.Matrix.UserID)
	}
	if cfg.Log.Redact != RedactDM {
		t.Errorf("Log.Redact = %q, want dm", cfg.Log.Redact)
	}
	if cfg.Sink.Timeout != 2*time.Second {
		t.Errorf("Sink.Timeout = %v, want 2s", cfg.Sink.Timeout)
	}
	if cfg.Sink.RetryDelay != 100*time.Millisecond {
		t.Errorf("Sink.RetryDelay = %v, want 100ms", cfg.Sink.RetryDelay)
	}
	if cfg.Sink.DedupeTTL != time.Minute {
		t.Errorf("Sink.DedupeTTL = %v, want 1m", cfg.Sink.DedupeTTL)
	}
	if cfg.Sink.RateLimitPerSec != 2 {
		t.Errorf("Sink.RateLimitPerSec = %v, want 2", cfg.Sink.RateLimitPerSec)
	}
	// Untouched values keep their defaults
	if cfg.Sink.RetryMax != 3 {
		t.Errorf("Sink.RetryMax = %d, want default 3", cfg.Sink.RetryMax)
	}
	if cfg.Sink.DrainTimeout != 5*time.Second {
		t.Errorf("Sink.DrainTimeout = %v, want default 5s", cfg.Sink.DrainTimeout)
	}
}

func TestLoadAgent_RejectsMissingCredentials(t *testing.T) {
	path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
`)

	_, err := LoadAgent(path)
	if err == nil {
		t.Fatal("LoadAgent() expected error without password or access_token")
	}
	if !strings.Contains(err.Error(), "password") {
		t.Errorf("error = %v, want mention of password", err)
	}
}

func TestLoadAgent_RejectsInvalidRedact(t *testing.T) {
	path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
password = "changeme"

[log]
redact = "maybe"
`)

	_, err := LoadAgent(path)
	if err == nil {
		t.Fatal("LoadAgent() expected error for invalid redact mode")
	}
	if !strings.Contains(err.Error(), "log.redact") {
		t.Errorf("error = %v, want mention of log.redact", err)
	}
}

func TestLoadAgent_EnvOverridesSink(t *testing.T) {
	t.Setenv("CLAWLIST_SINK_URL", "https://sink.example.com/hook")
	t.Setenv("CLAWLIST_SINK_RETRY_MAX", "7")

	path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
access_token = "tok"
`)

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.Sink.URL != "https://sink.example.com/hook" {
		t.Errorf("Sink.URL = %q", cfg.Sink.URL)
	}
	if cfg.Sink.RetryMax != 7 {
		t.Errorf("Sink.RetryMax = %d, want 7", cfg.Sink.RetryMax)
	}
}

func TestLoadAgent_LLMSection(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CLAWLIST_LLM_MODEL", "llama3.1")

	path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
access_token = "tok"

[llm]
backend = "ollama"
prompt_path = "prompts/seller.md"
max_history = 12
`)

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if cfg.LLM.Backend != "ollama" || cfg.LLM.Model != "llama3.1" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.LLM.PromptPath != "prompts/seller.md" || cfg.LLM.MaxHistory != 12 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
}

func TestLoadAgent_RejectsBadLLMConfig(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{"unknown backend", "[llm]\nbackend = \"anthropic\"\n", "llm.backend"},
		{"with command", "[llm]\nbackend = \"openai\"\n[responder]\ncommand = \"claude\"\n", "mutually exclusive"},
		{"negative history", "[llm]\nbackend = \"ollama\"\nmax_history = -1\n", "llm.max_history"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
access_token = "tok"
`+tt.extra)

			_, err := LoadAgent(path)
			if err == nil {
				t.Fatal("LoadAgent() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestSaveAgent_RoundTrip(t *testing.T) {
	path := writeFile(t, "agent.toml", `
[matrix]
base_url = "http://127.0.0.1:8008"
user_id = "@agent_a:localhost"
password = "changeme"

[sink]
retry_delay = "250ms"
`)

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	cfg.Matrix.AccessToken = "syt_token"
	cfg.Matrix.GossipRoomID = "!gossip:localhost"
	cfg.Matrix.DMRoomID = "!dm:localhost"

	if err := SaveAgent(path, cfg); err != nil {
		t.Fatalf("SaveAgent() error = %v", err)
	}

	reloaded, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() after save error = %v", err)
	}
	if reloaded.Matrix.AccessToken != "syt_token" {
		t.Errorf("Matrix.AccessToken = %q", reloaded.Matrix.AccessToken)
	}
	if reloaded.Matrix.GossipRoomID != "!gossip:localhost" || reloaded.Matrix.DMRoomID != "!dm:localhost" {
		t.Errorf("rooms = %q, %q", reloaded.Matrix.GossipRoomID, reloaded.Matrix.DMRoomID)
	}
	if reloaded.Sink.RetryDelay != 250*time.Millisecond {
		t.Errorf("Sink.RetryDelay = %v, want 250ms", reloaded.Sink.RetryDelay)
	}
	if reloaded.Sink.DedupeTTL != 10*time.Minute {
		t.Errorf("Sink.DedupeTTL = %v, want 10m", reloaded.Sink.DedupeTTL)
	}
	if reloaded.Log.Redact != RedactNone {
		t.Errorf("Log.Redact = %q", reloaded.Log.Redact)
	}
}

func TestLoadMatchmaker_Defaults(t *testing.T) {
	cfg, err := LoadMatchmaker()
	if err != nil {
		t.Fatalf("LoadMatchmaker() error = %v", err)
	}
	if cfg.GatewayURL != "http://127.0.0.1:3333" {
		t.Errorf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.AgentID != "matchmaker" {
		t.Errorf("AgentID = %q", cfg.AgentID)
	}
	if cfg.Secret != DefaultSecret {
		t.Errorf("Secret = %q", cfg.Secret)
	}
	if got := cfg.Logging(); got.Level != "info" || got.Format != "text" {
		t.Errorf("Logging() = %+v", got)
	}
}

func TestLoadMatchmaker_Env(t *testing.T) {
	t.Setenv("GATEWAY_URL", "https://gw.example.com")
	t.Setenv("GATEWAY_TOKEN", "tok")
	t.Setenv("MATCHMAKER_ID", "mm-2")
	t.Setenv("MATCHMAKER_LOG_FORMAT", "json")

	cfg, err := LoadMatchmaker()
	if err != nil {
		t.Fatalf("LoadMatchmaker() error = %v", err)
	}
	if cfg.GatewayURL != "https://gw.example.com" || cfg.Token != "tok" || cfg.AgentID != "mm-2" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Logging().Format != "json" {
		t.Errorf("Logging().Format = %q", cfg.Logging().Format)
	}
}

func TestLoadMatchmaker_RejectsBadURL(t *testing.T) {
	t.Setenv("GATEWAY_URL", "localhost:3333")
	if _, err := LoadMatchmaker(); err == nil {
		t.Fatal("LoadMatchmaker() expected error for URL without scheme")
	}
}
