// ABOUTME: `auth` and `setup` subcommands: store a Matrix access token, create the shared rooms
// ABOUTME: Both rewrite the agent config files in place

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/transport"
)

func init() {
	rootCmd.AddCommand(authCmd, setupCmd)
	setupCmd.Flags().StringVar(&peerConfigPath, "peer-config", "", "config file of the second agent")
	_ = setupCmd.MarkFlagRequired("peer-config")
}

var peerConfigPath string

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Log in with the configured password and save the access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Matrix, err = transport.Login(cmd.Context(), cfg.Matrix)
		if err != nil {
			return err
		}
		if err := config.SaveAgent(configPath, cfg); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("  ✓ ")
		fmt.Printf("Logged in as %s (device %s)\n", cfg.Matrix.UserID, cfg.Matrix.DeviceID)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the gossip room and a DM room shared with the peer agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		peer, err := config.LoadAgent(peerConfigPath)
		if err != nil {
			return fmt.Errorf("loading peer config from %s: %w", peerConfigPath, err)
		}

		if cfg.Matrix.AccessToken == "" {
			if cfg.Matrix, err = transport.Login(cmd.Context(), cfg.Matrix); err != nil {
				return err
			}
		}

		gossip, dm, err := transport.SetupRooms(cmd.Context(), cfg.Matrix, peer.Matrix.UserID)
		if err != nil {
			return err
		}
		for _, c := range []*config.AgentConfig{cfg, peer} {
			c.Matrix.GossipRoomID = gossip
			c.Matrix.DMRoomID = dm
		}
		if err := config.SaveAgent(configPath, cfg); err != nil {
			return err
		}
		if err := config.SaveAgent(peerConfigPath, peer); err != nil {
			return err
		}

		green := color.New(color.FgGreen)
		green.Println("  Setup complete")
		fmt.Printf("  gossip_room_id: %s\n", gossip)
		fmt.Printf("  dm_room_id:     %s\n", dm)
		return nil
	},
}
