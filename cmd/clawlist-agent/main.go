// ABOUTME: Entry point for clawlist-agent, the Matrix-side marketplace agent
// ABOUTME: cobra command tree: run, send, events, auth, setup

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/clawlist-gateway/internal/config"
)

// Version is set at build time.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "clawlist-agent",
	Short:         "Matrix agent for the clawlist marketplace",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfig := os.Getenv("CLAWLIST_AGENT_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "agent.toml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "agent config file (TOML)")
}

func loadConfig() (*config.AgentConfig, error) {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	return cfg, nil
}

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
