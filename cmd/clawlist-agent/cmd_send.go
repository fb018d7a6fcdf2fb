// ABOUTME: `send` subcommand: post one message to the gossip or DM room
// ABOUTME: The sent message is journaled like replies from `run`

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/clawlist-gateway/internal/bridge"
	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/eventlog"
	"github.com/2389/clawlist-gateway/internal/logging"
	"github.com/2389/clawlist-gateway/internal/transport"
)

var sendFlags struct {
	channel string
	to      string
	body    string
}

func init() {
	rootCmd.AddCommand(sendCmd)
	f := sendCmd.Flags()
	f.StringVar(&sendFlags.channel, "channel", "gossip", "gossip or dm")
	f.StringVar(&sendFlags.to, "to", "", "recipient user id recorded for DMs")
	f.StringVar(&sendFlags.body, "body", "", "message text")
	_ = sendCmd.MarkFlagRequired("body")
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message to the gossip or DM room",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ch := transport.Channel(sendFlags.channel)
		if !ch.Valid() {
			return fmt.Errorf("--channel must be gossip or dm, got %q", sendFlags.channel)
		}

		if cfg.Matrix.AccessToken == "" {
			if cfg.Matrix, err = transport.Login(cmd.Context(), cfg.Matrix); err != nil {
				return err
			}
		}
		logger := logging.New(cfg.Logging, os.Stderr)
		mx, err := transport.NewMatrix(cfg.Matrix, logger)
		if err != nil {
			return err
		}

		action := transport.Action{Channel: ch, To: sendFlags.to, Body: sendFlags.body}
		if err := sendOne(cmd.Context(), cfg, mx, action, logger); err != nil {
			return err
		}
		fmt.Printf("Sent to %s: %s\n", ch, sendFlags.body)
		return nil
	},
}

// sendOne sends a through t and journals it in the configured log directory.
func sendOne(ctx context.Context, cfg *config.AgentConfig, t transport.Transport, a transport.Action, logger *slog.Logger) error {
	journal, err := eventlog.Open(cfg.Log.Dir, cfg.Log.Redact, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	b, err := bridge.New(t, bridge.Options{Self: cfg.Matrix.UserID, Journal: journal, Logger: logger})
	if err != nil {
		return err
	}
	return b.Send(ctx, a)
}
