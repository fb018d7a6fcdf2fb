// ABOUTME: Runner connects the matching engine to a gateway's gossip stream
// ABOUTME: Reconnects with capped backoff when the stream drops

package matchmaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/2389/clawlist-gateway/internal/broker"
	"github.com/2389/clawlist-gateway/internal/gatewayclient"
)

// Reconnect backoff bounds.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
)

// Runner feeds gossip from a gateway into an Engine.
type Runner struct {
	client *gatewayclient.Client
	engine *Engine
	logger *slog.Logger
}

// NewRunner creates a runner. client must already be authenticated; it is
// also the engine's DM sender.
func NewRunner(client *gatewayclient.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client: client,
		engine: NewEngine(client, logger),
		logger: logger.With("component", "matchmaker-runner"),
	}
}

// Engine returns the runner's engine.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// Run reads the gossip stream until ctx is cancelled. A dropped stream is
// reopened after a backoff that doubles up to maxBackoff and resets once a
// stream has delivered an event.
func (r *Runner) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		received := false
		err := r.client.StreamGossip(ctx, func(ev gatewayclient.Event) {
			received = true
			r.handle(ctx, ev)
		})
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = initialBackoff
		}

		r.logger.Warn("gossip stream ended, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Runner) handle(ctx context.Context, ev gatewayclient.Event) {
	if ev.Type != broker.EventGossip {
		return
	}
	var env broker.GossipEnvelope
	if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
		r.logger.Debug("ignoring malformed gossip event", "error", err)
		return
	}

	if _, err := r.engine.Observe(ctx, env.AgentID, env.Listing, env.Body); err != nil {
		r.logger.Warn("ignoring unparseable listing", "error", err, "agent_id", env.AgentID, "body", env.Body)
	}
}
