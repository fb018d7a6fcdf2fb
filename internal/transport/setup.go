// ABOUTME: One-off Matrix account operations used by the agent CLI
// ABOUTME: Password login and creation of the shared gossip room and a direct room

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/clawlist-gateway/internal/config"
)

// DefaultGossipAlias is used by SetupRooms when no alias is configured.
const DefaultGossipAlias = "#gossip:localhost"

// Login exchanges the configured password for an access token and returns
// cfg with the token, canonical user id and device id filled in.
func Login(ctx context.Context, cfg config.MatrixConfig) (config.MatrixConfig, error) {
	if cfg.Password == "" {
		return cfg, errors.New("matrix.password is required to log in")
	}
	client, err := mautrix.NewClient(cfg.BaseURL, "", "")
	if err != nil {
		return cfg, fmt.Errorf("creating matrix client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: cfg.UserID,
		},
		Password: cfg.Password,
		DeviceID: id.DeviceID(cfg.DeviceID),
	})
	if err != nil {
		return cfg, fmt.Errorf("matrix login: %w", err)
	}

	cfg.AccessToken = resp.AccessToken
	cfg.UserID = resp.UserID.String()
	cfg.DeviceID = resp.DeviceID.String()
	return cfg, nil
}

// SetupRooms creates the public gossip room under cfg's alias and a direct
// room shared with peer, inviting peer to both. It returns the two room ids.
func SetupRooms(ctx context.Context, cfg config.MatrixConfig, peer string) (gossipRoom, dmRoom string, err error) {
	if cfg.AccessToken == "" {
		return "", "", errors.New("matrix access token is required; run auth first")
	}
	if peer == "" {
		return "", "", errors.New("peer user id is required")
	}
	client, err := mautrix.NewClient(cfg.BaseURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("creating matrix client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	gossip, err := client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		RoomAliasName: AliasLocalpart(cfg.GossipRoomAlias),
		Name:          "gossip",
		Visibility:    "public",
		Preset:        "public_chat",
	})
	if err != nil {
		return "", "", fmt.Errorf("creating gossip room: %w", err)
	}
	if _, err := client.InviteUser(ctx, gossip.RoomID, &mautrix.ReqInviteUser{UserID: id.UserID(peer)}); err != nil {
		return "", "", fmt.Errorf("inviting %s to gossip room: %w", peer, err)
	}

	direct, err := client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		IsDirect: true,
		Invite:   []id.UserID{id.UserID(peer)},
	})
	if err != nil {
		return "", "", fmt.Errorf("creating dm room: %w", err)
	}
	return gossip.RoomID.String(), direct.RoomID.String(), nil
}

// AliasLocalpart returns the localpart of a room alias: "#gossip:host" -> "gossip".
func AliasLocalpart(alias string) string {
	if alias == "" {
		alias = DefaultGossipAlias
	}
	local, _, _ := strings.Cut(alias, ":")
	return strings.TrimPrefix(local, "#")
}
