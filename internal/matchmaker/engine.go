// ABOUTME: Matching engine: keeps live listings and introduces each buyer to a seller listing once
// ABOUTME: Listings are bucketed by normalized item key; matches are sent as MATCH_FOUND DMs

package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/clawlist-gateway/internal/listing"
)

// MatchPrefix starts the body of every match DM.
const MatchPrefix = "MATCH_FOUND "

// DMSender delivers a direct message to an agent.
type DMSender interface {
	PostDM(ctx context.Context, toAgent, body string) error
}

// Match is the summary sent to a buyer.
type Match struct {
	ListingID   string          `json:"listing_id"`
	SellerAgent string          `json:"seller_agent"`
	BuyerAgent  string          `json:"buyer_agent"`
	Item        string          `json:"item,omitempty"`
	Price       json.RawMessage `json:"price,omitempty"`
	Currency    json.RawMessage `json:"currency,omitempty"`
	Condition   json.RawMessage `json:"condition,omitempty"`
}

// Body renders the DM body for m.
func (m Match) Body() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding match: %w", err)
	}
	return MatchPrefix + string(data), nil
}

// Engine holds the live listing map and the set of matches already sent.
type Engine struct {
	sender DMSender
	logger *slog.Logger

	mu       sync.Mutex
	listings map[string]*listing.Listing
	buckets  map[string][]string // item key -> listing ids in arrival order
	sent     map[string]struct{} // buyer agent | seller listing id
}

// NewEngine creates an engine that sends matches through sender.
func NewEngine(sender DMSender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sender:   sender,
		logger:   logger.With("component", "matchmaker"),
		listings: make(map[string]*listing.Listing),
		buckets:  make(map[string][]string),
		sent:     make(map[string]struct{}),
	}
}

// Observe processes one gossip message from agentID. Messages that carry no
// listing are ignored; malformed listings return an error for the caller to
// log. Every new match is sent to its buyer and returned.
func (e *Engine) Observe(ctx context.Context, agentID string, structured json.RawMessage, body string) ([]Match, error) {
	l, err := listing.FromGossip(structured, body)
	if errors.Is(err, listing.ErrNotListing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if agentID != "" {
		l.AgentID = listing.Text(agentID)
	}

	matches := e.upsertAndMatch(l)
	for _, m := range matches {
		e.send(ctx, m)
	}
	return matches, nil
}

// upsertAndMatch stores l (last write wins) and returns the matches it
// creates, marking them sent.
func (e *Engine) upsertAndMatch(l *listing.Listing) []Match {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, lid := l.ItemKey(), l.Key()
	if prev, ok := e.listings[lid]; ok {
		e.unbucket(prev.ItemKey(), lid)
	}
	e.listings[lid] = l
	if key != "" {
		e.buckets[key] = append(e.buckets[key], lid)
	}

	side := l.Direction()
	if side == "" || key == "" {
		return nil
	}

	var matches []Match
	for _, id := range e.buckets[key] {
		other := e.listings[id]
		if id == lid {
			continue
		}
		otherSide := other.Direction()
		if otherSide == "" || otherSide == side {
			continue
		}

		buyer, seller := l, other
		if side == listing.Sell {
			buyer, seller = other, l
		}

		sentKey := string(buyer.AgentID) + "|" + seller.Key()
		if _, done := e.sent[sentKey]; done {
			continue
		}
		e.sent[sentKey] = struct{}{}

		matches = append(matches, Match{
			ListingID:   seller.Key(),
			SellerAgent: string(seller.AgentID),
			BuyerAgent:  string(buyer.AgentID),
			Item:        string(seller.Item),
			Price:       seller.Price,
			Currency:    seller.Currency,
			Condition:   seller.Condition,
		})
	}
	return matches
}

func (e *Engine) unbucket(key, id string) {
	ids := slices.DeleteFunc(e.buckets[key], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(e.buckets, key)
		return
	}
	e.buckets[key] = ids
}

// send posts the match DM. A failed send is logged; the match stays marked.
func (e *Engine) send(ctx context.Context, m Match) {
	body, err := m.Body()
	if err != nil {
		e.logger.Error("encoding match failed", "error", err)
		return
	}
	if err := e.sender.PostDM(ctx, m.BuyerAgent, body); err != nil {
		e.logger.Warn("sending match failed", "error", err, "buyer", m.BuyerAgent, "listing_id", m.ListingID)
		return
	}
	e.logger.Info("match sent", "buyer", m.BuyerAgent, "seller", m.SellerAgent, "listing_id", m.ListingID)
}

// Counts returns the number of live listings and matches sent.
func (e *Engine) Counts() (listings, matches int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listings), len(e.sent)
}
