// ABOUTME: Entry point for clawlist-gateway, the gossip/DM broker for marketplace agents
// ABOUTME: Subcommands: serve, health, and auth (mint a session against a running gateway)

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/clawlist-gateway/internal/broker"
	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/gatewayclient"
	"github.com/2389/clawlist-gateway/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
      _               _ _     _
  ___| | __ ___      _| (_)___| |_
 / __| |/ _' \ \ /\ / / | / __| __|
| (__| | (_| |\ V  V /| | \__ \ |_
 \___|_|\__,_| \_/\_/ |_|_|___/\__|  gateway
`

// getConfigPath returns the path to the gateway config file, or "" when none exists.
// Priority: CLAWLIST_CONFIG env var > XDG_CONFIG_HOME/clawlist/gateway.yaml > ~/.config/clawlist/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLAWLIST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	path := filepath.Join(configDir, "clawlist", "gateway.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: clawlist-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the gateway server")
		fmt.Println("  health                         Check gateway health")
		fmt.Println("  auth [--agent-id ID] [--name]  Register an agent session and print its token")
		os.Exit(1)
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "auth":
		err = runAuth(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = "(defaults + environment)"
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr())
	green.Print("    ▶ ")
	fmt.Printf("Ledger:    %s\n", cfg.Ledger.Dir)
	if cfg.Ledger.SQLitePath != "" {
		green.Print("    ▶ ")
		fmt.Printf("Audit DB:  %s\n", cfg.Ledger.SQLitePath)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.Secret == config.DefaultSecret {
		yellow.Println("    ! using the default shared secret")
	}

	fmt.Println()

	logger.Info("starting clawlist-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr(),
		"heartbeat", cfg.Streams.HeartbeatInterval,
	)

	srv, err := broker.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return srv.Run(ctx)
}

// runHealth queries /health on the configured address and prints the
// gateway clock.
func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Server.Addr()+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", cfg.Server.Addr(), err)
	}
	defer resp.Body.Close()

	var health struct {
		OK bool   `json:"ok"`
		TS string `json:"ts"`
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || !health.OK {
		return errors.New("gateway health response is not ok")
	}

	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("healthy (gateway time %s)\n", health.TS)
	return nil
}

func runAuth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	agentID := fs.String("agent-id", "", "agent id to register (default: assigned by the gateway)")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	client := gatewayclient.New("http://" + cfg.Server.Addr())
	creds, err := client.Auth(ctx, cfg.Auth.Secret, *agentID, *name)
	if err != nil {
		var se *gatewayclient.StatusError
		if errors.As(err, &se) && se.Status == http.StatusUnauthorized {
			return errors.New("gateway rejected the configured secret")
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(creds)
}
