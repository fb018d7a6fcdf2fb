// ABOUTME: Matrix transport: syncs the gossip and DM rooms and posts actions back to them
// ABOUTME: Normalizes m.room.message text events into RawEvents and renders outgoing markdown

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/clawlist-gateway/internal/config"
)

// MatrixName is the transport name recorded on events.
const MatrixName = "matrix"

// networkTimeout bounds Matrix API calls outside the sync loop.
const networkTimeout = 30 * time.Second

// AgentTag is the message content key that marks agent-written messages.
const AgentTag = "com.agent-commerce.agent"

// TimeFormat is the timestamp layout of RawEvent.TS.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Matrix is a Transport over a Matrix homeserver.
type Matrix struct {
	cfg      config.MatrixConfig
	client   *mautrix.Client
	markdown goldmark.Markdown
	logger   *slog.Logger

	gossipRoom id.RoomID
	dmRoom     id.RoomID
	dmRooms    map[id.RoomID]struct{}

	mu      sync.Mutex
	running bool
}

// NewMatrix creates a Matrix transport. No network calls are made until Start.
func NewMatrix(cfg config.MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GossipRoomID == "" {
		return nil, errors.New("matrix gossip_room_id is required")
	}

	client, err := mautrix.NewClient(cfg.BaseURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}

	dmRooms := make(map[id.RoomID]struct{})
	for _, r := range append([]string{cfg.DMRoomID}, cfg.DMRoomIDs...) {
		if r != "" {
			dmRooms[id.RoomID(r)] = struct{}{}
		}
	}
	dmRoom := id.RoomID(cfg.DMRoomID)
	if dmRoom == "" && len(cfg.DMRoomIDs) > 0 {
		dmRoom = id.RoomID(cfg.DMRoomIDs[0])
	}

	return &Matrix{
		cfg:        cfg,
		client:     client,
		markdown:   goldmark.New(),
		logger:     logger.With("component", "matrix"),
		gossipRoom: id.RoomID(cfg.GossipRoomID),
		dmRoom:     dmRoom,
		dmRooms:    dmRooms,
	}, nil
}

// Name implements Transport.
func (m *Matrix) Name() string { return MatrixName }

// Start logs in if needed, joins the configured rooms and syncs until ctx
// ends or Stop is called. Messages from before Start are not delivered.
func (m *Matrix) Start(ctx context.Context, h Handler) error {
	if err := m.login(ctx); err != nil {
		return err
	}
	for _, room := range m.rooms() {
		if _, err := m.client.JoinRoomByID(ctx, room); err != nil {
			return fmt.Errorf("joining %s: %w", room, err)
		}
	}

	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.client.Syncer)
	}
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		raw, ok := m.normalize(evt)
		if !ok {
			return
		}
		h(ctx, raw)
	})

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info("matrix sync starting", "user_id", m.client.UserID, "gossip_room", m.gossipRoom, "dm_rooms", len(m.dmRooms))
	err := m.client.SyncWithContext(ctx)
	if ctx.Err() != nil || err == nil {
		return nil
	}
	return fmt.Errorf("matrix sync failed: %w", err)
}

// login exchanges the password for an access token when none is configured.
func (m *Matrix) login(ctx context.Context) error {
	if m.client.AccessToken != "" {
		return nil
	}
	resp, err := m.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: m.cfg.UserID,
		},
		Password:         m.cfg.Password,
		DeviceID:         id.DeviceID(m.cfg.DeviceID),
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	m.logger.Info("matrix login succeeded", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

func (m *Matrix) rooms() []id.RoomID {
	rooms := []id.RoomID{m.gossipRoom}
	for r := range m.dmRooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// normalize turns a Matrix message into a RawEvent. Only text messages from
// other users in the gossip or a DM room are kept.
func (m *Matrix) normalize(evt *event.Event) (RawEvent, bool) {
	return normalizeMatrixEvent(evt, m.client.UserID, m.gossipRoom, m.dmRooms)
}

func normalizeMatrixEvent(evt *event.Event, self id.UserID, gossipRoom id.RoomID, dmRooms map[id.RoomID]struct{}) (RawEvent, bool) {
	if evt.Type != event.EventMessage || evt.Sender == self {
		return RawEvent{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return RawEvent{}, false
	}

	var ch Channel
	switch _, isDM := dmRooms[evt.RoomID]; {
	case evt.RoomID == gossipRoom:
		ch = ChannelGossip
	case isDM:
		ch = ChannelDM
	default:
		return RawEvent{}, false
	}

	ts := time.Now()
	if evt.Timestamp > 0 {
		ts = time.UnixMilli(evt.Timestamp)
	}

	tagged, _ := evt.Content.Raw[AgentTag].(bool)
	raw := RawEvent{
		Agent:     tagged,
		TS:        ts.UTC().Format(TimeFormat),
		Channel:   ch,
		From:      evt.Sender.String(),
		Body:      content.Body,
		Transport: MatrixName,
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
	}
	if ch == ChannelDM {
		raw.To = self.String()
	}
	return raw, true
}

// Send implements Transport. Gossip goes to the gossip room; DMs go to the
// primary DM room.
func (m *Matrix) Send(ctx context.Context, a Action) error {
	room := m.gossipRoom
	if a.Channel == ChannelDM {
		room = m.dmRoom
	}
	if room == "" {
		return fmt.Errorf("%w: %s", ErrNoRoute, a.Channel)
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	var content any = m.render(a.Body)
	if a.Agent {
		content = &event.Content{Parsed: content, Raw: map[string]any{AgentTag: true}}
	}
	if _, err := m.client.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", room, err)
	}
	return nil
}

// render builds a text message, adding an HTML body when the markdown
// renders to something other than a single plain paragraph.
func (m *Matrix) render(body string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(body), &buf); err != nil {
		return content
	}
	html := strings.TrimSpace(buf.String())
	if plain, ok := strings.CutPrefix(html, "<p>"); ok {
		if inner, ok := strings.CutSuffix(plain, "</p>"); ok && !strings.Contains(inner, "<") && !strings.Contains(inner, "&") {
			return content
		}
	}
	content.Format = event.FormatHTML
	content.FormattedBody = html
	return content
}

// Stop implements Transport.
func (m *Matrix) Stop() {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running {
		m.client.StopSync()
	}
}
