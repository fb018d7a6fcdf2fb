// ABOUTME: Gateway broker: agent authentication, gossip and DM publishing, subscriptions
// ABOUTME: Owns the session registry, subscriber hub and audit ledger for one process

package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/clawlist-gateway/internal/auth"
	"github.com/2389/clawlist-gateway/internal/ledger"
)

// Broker errors
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTooLarge        = errors.New("message too large")
)

// Size limits. A request body is at most MaxBodyBytes. An encoded envelope
// repeats the request in raw and may escape every byte of it (<, > and &
// become \u003c and friends), so 12 request sizes plus headers always fit in
// MaxFrameBytes. Readers size their line buffers from MaxFrameBytes.
const (
	MaxBodyBytes  = 1 << 20
	MaxFrameBytes = 16 << 20
)

// Event names used on streams.
const (
	EventGossip = "gossip"
	EventDM     = "dm"
	EventPing   = "ping"
)

// GossipEnvelope is what gossip subscribers receive. Listing is null when the
// publisher did not attach one.
type GossipEnvelope struct {
	TS      string          `json:"ts"`
	AgentID string          `json:"agent_id"`
	Body    string          `json:"body"`
	Listing json.RawMessage `json:"listing"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// DMEnvelope is what DM subscribers receive.
type DMEnvelope struct {
	TS        string          `json:"ts"`
	FromAgent string          `json:"from_agent"`
	ToAgent   string          `json:"to_agent"`
	Body      string          `json:"body"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Credentials is the result of a successful Authenticate.
type Credentials struct {
	AgentID     string `json:"agent_id"`
	AccessToken string `json:"access_token"`
	Name        string `json:"name"`
}

// Options configures a Broker.
type Options struct {
	Secret     string
	SigningKey []byte        // HS256 key; see auth.DeriveSigningKey
	Ledger     ledger.Ledger // nil discards audit records
	BufferSize int           // per-subscriber frames; <= 0 uses DefaultBufferSize
	Logger     *slog.Logger
}

// Broker is the authenticated pub/sub bus. All state lives on the instance.
type Broker struct {
	secret   string
	issuer   *auth.JWTIssuer
	sessions *sessionRegistry
	hub      *Hub
	ledger   ledger.Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a broker.
func New(opts Options) (*Broker, error) {
	if opts.Secret == "" {
		return nil, errors.New("broker secret is required")
	}
	if len(opts.SigningKey) == 0 {
		return nil, errors.New("broker signing key is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := opts.Ledger
	if l == nil {
		l = ledger.Discard
	}

	return &Broker{
		secret:   opts.Secret,
		issuer:   auth.NewJWTIssuer(opts.SigningKey),
		sessions: newSessionRegistry(),
		hub:      NewHub(opts.BufferSize, logger),
		ledger:   l,
		logger:   logger.With("component", "broker"),
		now:      time.Now,
	}, nil
}

// Authenticate checks the shared secret and mints a new session. When agentID
// is empty one is generated; name defaults to the agent id. Every call yields
// a fresh token and earlier tokens for the same agent id remain valid.
func (b *Broker) Authenticate(secret, agentID, name string) (*Credentials, error) {
	if !auth.SecretMatches(secret, b.secret) {
		b.logger.Warn("authentication rejected", "requested_agent_id", agentID)
		return nil, fmt.Errorf("%w: invalid secret", ErrUnauthorized)
	}

	if agentID == "" {
		id, err := newAgentID()
		if err != nil {
			return nil, err
		}
		agentID = id
	}
	if name == "" {
		name = agentID
	}

	token, tokenID, err := b.issuer.Generate(agentID, 0)
	if err != nil {
		return nil, fmt.Errorf("minting token: %w", err)
	}

	b.sessions.add(&Session{
		AgentID:   agentID,
		Name:      name,
		TokenID:   tokenID,
		CreatedAt: b.now().UTC(),
	})

	b.logger.Info("agent authenticated", "agent_id", agentID, "name", name)
	return &Credentials{AgentID: agentID, AccessToken: token, Name: name}, nil
}

// newAgentID returns "agent_" followed by 12 random hex characters.
func newAgentID() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating agent id: %w", err)
	}
	return "agent_" + hex.EncodeToString(buf[:]), nil
}

// Authorize resolves a bearer token to its session. A token must carry a valid
// signature and name a session this broker minted.
func (b *Broker) Authorize(token string) (*auth.AuthContext, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := b.issuer.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sess, ok := b.sessions.lookup(claims.TokenID)
	if !ok || sess.AgentID != claims.AgentID {
		return nil, fmt.Errorf("%w: unknown session", ErrUnauthorized)
	}
	return &auth.AuthContext{AgentID: sess.AgentID, Name: sess.Name, TokenID: sess.TokenID}, nil
}

// PublishGossip authorizes token and publishes a gossip message.
func (b *Broker) PublishGossip(ctx context.Context, token, body string, listing json.RawMessage) error {
	who, err := b.Authorize(token)
	if err != nil {
		return err
	}
	return b.publishGossip(ctx, who, body, listing, nil)
}

// PublishDM authorizes token and publishes a DM to toAgent.
func (b *Broker) PublishDM(ctx context.Context, token, toAgent, body string) error {
	who, err := b.Authorize(token)
	if err != nil {
		return err
	}
	return b.publishDM(ctx, who, toAgent, body, nil)
}

// SubscribeGossip authorizes token and opens a gossip subscription that lasts
// until ctx is cancelled.
func (b *Broker) SubscribeGossip(ctx context.Context, token string) (*Subscription, error) {
	who, err := b.Authorize(token)
	if err != nil {
		return nil, err
	}
	return b.hub.SubscribeGossip(ctx, who.AgentID), nil
}

// SubscribeDM authorizes token and opens a subscription to the token owner's
// own DM mailbox. There is no way to subscribe to another agent's mailbox.
func (b *Broker) SubscribeDM(ctx context.Context, token string) (*Subscription, error) {
	who, err := b.Authorize(token)
	if err != nil {
		return nil, err
	}
	return b.hub.SubscribeDM(ctx, who.AgentID), nil
}

// publishGossip audits and fans out a gossip message. Every open gossip
// subscriber has the frame buffered before this returns.
func (b *Broker) publishGossip(ctx context.Context, who *auth.AuthContext, body string, listing, raw json.RawMessage) error {
	now := b.now().UTC()
	if len(listing) == 0 || string(listing) == "null" {
		listing = nil
	}
	env := GossipEnvelope{
		TS:      now.Format(ledger.TimeFormat),
		AgentID: who.AgentID,
		Body:    body,
		Listing: listing,
		Raw:     raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding gossip envelope: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("%w: gossip envelope is %d bytes", ErrTooLarge, len(data))
	}

	if err := b.ledger.Append(ctx, &ledger.Record{
		Kind:      ledger.KindGossip,
		Timestamp: now,
		From:      who.AgentID,
		Body:      body,
		Listing:   listing,
		Payload:   data,
	}); err != nil {
		return fmt.Errorf("auditing gossip: %w", err)
	}

	n := b.hub.PublishGossip(Frame{Event: EventGossip, Data: data})
	b.logger.Debug("gossip published", "agent_id", who.AgentID, "subscribers", n, "listing", listing != nil)
	return nil
}

// publishDM audits and delivers a DM. With no open mailbox subscriber the
// message is accepted and dropped.
func (b *Broker) publishDM(ctx context.Context, who *auth.AuthContext, toAgent, body string, raw json.RawMessage) error {
	if toAgent == "" {
		return fmt.Errorf("%w: to_agent required", ErrInvalidArgument)
	}

	now := b.now().UTC()
	env := DMEnvelope{
		TS:        now.Format(ledger.TimeFormat),
		FromAgent: who.AgentID,
		ToAgent:   toAgent,
		Body:      body,
		Raw:       raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding dm envelope: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("%w: dm envelope is %d bytes", ErrTooLarge, len(data))
	}

	if err := b.ledger.Append(ctx, &ledger.Record{
		Kind:      ledger.KindDM,
		Timestamp: now,
		From:      who.AgentID,
		To:        toAgent,
		Body:      body,
		Payload:   data,
	}); err != nil {
		return fmt.Errorf("auditing dm: %w", err)
	}

	n := b.hub.PublishDM(toAgent, Frame{Event: EventDM, Data: data})
	if n == 0 {
		b.logger.Debug("dm dropped, recipient not connected", "from", who.AgentID, "to", toAgent)
	}
	return nil
}

// Stats reports the live session and subscriber counts.
func (b *Broker) Stats() (sessions, gossipSubs, dmSubs int) {
	g, d := b.hub.Counts()
	return b.sessions.count(), g, d
}

// Close ends every open subscription. Publishing after Close still audits but
// reaches nobody.
func (b *Broker) Close() {
	b.hub.Close()
}
