// ABOUTME: In-memory fan-out hub for gossip and per-agent DM subscribers
// ABOUTME: Each subscriber owns a bounded channel; a full channel drops its oldest frame

package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber frame buffer.
const DefaultBufferSize = 64

// Frame is one server-sent event. Data is the JSON payload, marshaled once per
// publish and shared by every subscriber.
type Frame struct {
	Event string
	Data  []byte
}

// Subscription is a registered stream. C is closed when the subscription ends,
// either because its context was cancelled or because the hub was closed.
type Subscription struct {
	ID      string
	AgentID string
	C       <-chan Frame

	sub *subscriber
}

// Dropped returns how many frames were discarded for this subscriber because
// its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.sub.dropped.Load()
}

type subscriber struct {
	id      string
	agentID string
	ch      chan Frame
	dropped atomic.Uint64
}

// Hub routes frames to subscribers. Delivery is non-blocking: publishing never
// waits on a slow reader. When a subscriber's buffer is full the oldest
// buffered frame is discarded to make room for the new one (drop-oldest).
//
// Fan-out happens under the hub lock, so a frame is never sent on a channel
// that unsubscribe has closed.
type Hub struct {
	mu         sync.Mutex
	gossip     []*subscriber            // registration order
	dm         map[string][]*subscriber // agent_id -> subscribers in registration order
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// NewHub creates a hub. bufferSize <= 0 uses DefaultBufferSize. Pass nil logger for default.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dm:         make(map[string][]*subscriber),
		bufferSize: bufferSize,
		logger:     logger.With("component", "hub"),
	}
}

// SubscribeGossip registers a gossip subscriber owned by agentID. The
// subscription is removed when ctx is cancelled.
func (h *Hub) SubscribeGossip(ctx context.Context, agentID string) *Subscription {
	return h.subscribe(ctx, agentID, false)
}

// SubscribeDM registers a subscriber for agentID's DM mailbox. The
// subscription is removed when ctx is cancelled.
func (h *Hub) SubscribeDM(ctx context.Context, agentID string) *Subscription {
	return h.subscribe(ctx, agentID, true)
}

func (h *Hub) subscribe(ctx context.Context, agentID string, dm bool) *Subscription {
	s := &subscriber{
		id:      uuid.New().String(),
		agentID: agentID,
		ch:      make(chan Frame, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return &Subscription{ID: s.id, AgentID: agentID, C: s.ch, sub: s}
	}
	if dm {
		h.dm[agentID] = append(h.dm[agentID], s)
	} else {
		h.gossip = append(h.gossip, s)
	}
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", s.id, "agent_id", agentID, "dm", dm)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		h.unsubscribe(s, dm)
	}()

	return &Subscription{ID: s.id, AgentID: agentID, C: s.ch, sub: s}
}

// PublishGossip delivers f to every gossip subscriber in registration order
// and returns how many subscribers it was offered to.
func (h *Hub) PublishGossip(f Frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.gossip {
		h.offer(s, f)
	}
	return len(h.gossip)
}

// PublishDM delivers f to every subscriber of toAgent's mailbox and returns how
// many subscribers it was offered to. Zero means the message was dropped.
func (h *Hub) PublishDM(toAgent string, f Frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.dm[toAgent]
	for _, s := range subs {
		h.offer(s, f)
	}
	return len(subs)
}

// offer enqueues f without blocking, evicting the oldest frames as needed.
// Must be called with h.mu held.
func (h *Hub) offer(s *subscriber, f Frame) {
	for {
		select {
		case s.ch <- f:
			return
		default:
		}

		select {
		case old := <-s.ch:
			n := s.dropped.Add(1)
			h.logger.Debug("dropped oldest frame for slow subscriber",
				"sub_id", s.id,
				"agent_id", s.agentID,
				"event", old.Event,
				"dropped_total", n)
		default:
			// Reader drained the buffer in between; retry the send.
		}
	}
}

func (h *Hub) unsubscribe(s *subscriber, dm bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if dm {
		subs, ok := removeSubscriber(h.dm[s.agentID], s)
		if !ok {
			return
		}
		if len(subs) == 0 {
			delete(h.dm, s.agentID)
		} else {
			h.dm[s.agentID] = subs
		}
	} else {
		subs, ok := removeSubscriber(h.gossip, s)
		if !ok {
			return
		}
		h.gossip = subs
	}
	close(s.ch)

	h.logger.Debug("subscriber removed", "sub_id", s.id, "agent_id", s.agentID, "dm", dm)
}

func removeSubscriber(subs []*subscriber, target *subscriber) ([]*subscriber, bool) {
	for i, s := range subs {
		if s == target {
			return append(subs[:i:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

// Counts returns the number of open gossip and DM subscribers.
func (h *Hub) Counts() (gossip, dm int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.dm {
		dm += len(subs)
	}
	return len(h.gossip), dm
}

// Close closes every subscriber channel. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for _, s := range h.gossip {
		close(s.ch)
	}
	for _, subs := range h.dm {
		for _, s := range subs {
			close(s.ch)
		}
	}
	h.gossip = nil
	h.dm = make(map[string][]*subscriber)

	h.logger.Debug("hub closed")
}
