// ABOUTME: Entry point for clawlist-matchmaker
// ABOUTME: Watches gateway gossip for listings and DMs buyers a MATCH_FOUND for each new seller match

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/gatewayclient"
	"github.com/2389/clawlist-gateway/internal/logging"
	"github.com/2389/clawlist-gateway/internal/matchmaker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := config.LoadMatchmaker()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging(), os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.GatewayURL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:      %s\n", cfg.AgentID)
	fmt.Println()

	client := gatewayclient.New(cfg.GatewayURL)
	if cfg.Token != "" {
		client.UseToken(cfg.AgentID, cfg.Token)
	} else if _, err := client.Auth(ctx, cfg.Secret, cfg.AgentID, "Matchmaker"); err != nil {
		return err
	}

	runner := matchmaker.NewRunner(client, logger)
	logger.Info("matchmaker running", "gateway", cfg.GatewayURL, "agent_id", client.AgentID())

	err = runner.Run(ctx)
	listings, matches := runner.Engine().Counts()
	logger.Info("matchmaker stopped", "listings", listings, "matches", matches)
	return err
}
