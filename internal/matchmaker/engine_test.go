// ABOUTME: Tests for the matching engine
// ABOUTME: Covers exactly-once matching, normalization, side handling and re-listing

package matchmaker

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawlist-gateway/internal/listing"
)

type sentDM struct {
	to   string
	body string
}

type recordingSender struct {
	mu  sync.Mutex
	dms []sentDM
	err error
}

func (s *recordingSender) PostDM(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dms = append(s.dms, sentDM{to: to, body: body})
	return s.err
}

func (s *recordingSender) sent() []sentDM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dms)
}

func decodeMatch(t *testing.T, body string) Match {
	t.Helper()
	rest, ok := strings.CutPrefix(body, MatchPrefix)
	require.True(t, ok, "body %q lacks prefix", body)
	var m Match
	require.NoError(t, json.Unmarshal([]byte(rest), &m))
	return m
}

func observe(t *testing.T, e *Engine, agentID, listingJSON string) []Match {
	t.Helper()
	matches, err := e.Observe(t.Context(), agentID, json.RawMessage(listingJSON), "")
	require.NoError(t, err)
	return matches
}

func TestEngine_MatchesBuyerAndSellerOnce(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "seller", `{"id":"s1","type":"sell","item":"Nintendo Switch","price":150,"currency":"USD","condition":"good"}`)
	assert.Empty(t, sender.sent())

	matches := observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"nintendo switch!"}`)
	require.Len(t, matches, 1)

	dms := sender.sent()
	require.Len(t, dms, 1)
	assert.Equal(t, "buyer", dms[0].to)

	m := decodeMatch(t, dms[0].body)
	assert.Equal(t, "s1", m.ListingID)
	assert.Equal(t, "seller", m.SellerAgent)
	assert.Equal(t, "buyer", m.BuyerAgent)
	assert.Equal(t, "Nintendo Switch", m.Item)
	assert.JSONEq(t, "150", string(m.Price))
	assert.JSONEq(t, `"USD"`, string(m.Currency))
	assert.JSONEq(t, `"good"`, string(m.Condition))

	// Re-publishing either side does not produce a second DM
	observe(t, e, "seller", `{"id":"s1","type":"sell","item":"Nintendo Switch","price":140}`)
	observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"Nintendo Switch"}`)
	assert.Len(t, sender.sent(), 1)
}

func TestEngine_NewSellerListingIDMatchesAgain(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"bike"}`)
	observe(t, e, "seller", `{"id":"s1","type":"sell","item":"bike"}`)
	observe(t, e, "seller", `{"id":"s2","type":"sell","item":"Bike"}`)

	dms := sender.sent()
	require.Len(t, dms, 2)
	assert.Equal(t, "s1", decodeMatch(t, dms[0].body).ListingID)
	assert.Equal(t, "s2", decodeMatch(t, dms[1].body).ListingID)
}

func TestEngine_SameSideNeverMatches(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "a", `{"id":"s1","type":"sell","item":"bike"}`)
	observe(t, e, "b", `{"id":"s2","type":"sell","item":"bike"}`)
	observe(t, e, "c", `{"id":"b1","side":"BUY","item":"lamp"}`)

	assert.Empty(t, sender.sent())
}

func TestEngine_SideAliasAndItemFallbacks(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "seller", `{"id":"s1","side":"sell","detail":"Road  Bike"}`)
	observe(t, e, "buyer", `{"id":"b1","type":"Buy","category":"road-bike"}`)

	dms := sender.sent()
	require.Len(t, dms, 1)
	m := decodeMatch(t, dms[0].body)
	assert.Equal(t, "s1", m.ListingID)
	assert.Empty(t, m.Item, "summary item is the seller's item field")
}

func TestEngine_OneBuyerManySellers(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "s-a", `{"id":"s1","type":"sell","item":"desk"}`)
	observe(t, e, "s-b", `{"id":"s2","type":"sell","item":"desk"}`)
	matches := observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"desk"}`)

	require.Len(t, matches, 2)
	assert.Equal(t, "s1", matches[0].ListingID, "matches follow arrival order")
	assert.Equal(t, "s2", matches[1].ListingID)
	for _, dm := range sender.sent() {
		assert.Equal(t, "buyer", dm.to)
	}
}

func TestEngine_ItemChangeMovesBucket(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "seller", `{"id":"s1","type":"sell","item":"chair"}`)
	observe(t, e, "seller", `{"id":"s1","type":"sell","item":"table"}`)
	observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"chair"}`)
	assert.Empty(t, sender.sent(), "s1 is no longer a chair")

	observe(t, e, "buyer2", `{"id":"b2","type":"buy","item":"table"}`)
	require.Len(t, sender.sent(), 1)

	listings, matches := e.Counts()
	assert.Equal(t, 3, listings)
	assert.Equal(t, 1, matches)
}

func TestEngine_ListingFromBodyPrefix(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	_, err := e.Observe(t.Context(), "seller", nil, `LISTING_CREATE {"id":"s1","type":"sell","item":"kayak"}`)
	require.NoError(t, err)
	_, err = e.Observe(t.Context(), "buyer", json.RawMessage("null"), `INTENT {"id":"b1","type":"buy","item":"kayak"}`)
	require.NoError(t, err)

	require.Len(t, sender.sent(), 1)
}

func TestEngine_AgentIDFallsBackToListing(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "", `{"id":"s1","type":"sell","item":"kayak","agent_id":"seller"}`)
	observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"kayak","agent_id":"ignored"}`)

	m := decodeMatch(t, sender.sent()[0].body)
	assert.Equal(t, "seller", m.SellerAgent)
	assert.Equal(t, "buyer", m.BuyerAgent)
}

func TestEngine_IgnoresNonListingsAndReportsMalformed(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	matches, err := e.Observe(t.Context(), "a", nil, "just chatting")
	assert.NoError(t, err)
	assert.Nil(t, matches)

	_, err = e.Observe(t.Context(), "a", nil, "INTENT {not json")
	assert.Error(t, err)

	_, err = e.Observe(t.Context(), "a", json.RawMessage(`{"type":"buy"}`), "")
	assert.Error(t, err, "listing without id")

	listings, _ := e.Counts()
	assert.Equal(t, 0, listings)
}

func TestEngine_SendFailureKeepsMatchMarked(t *testing.T) {
	sender := &recordingSender{err: assert.AnError}
	e := NewEngine(sender, nil)

	observe(t, e, "seller", `{"id":"s1","type":"sell","item":"kayak"}`)
	observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"kayak"}`)
	observe(t, e, "buyer", `{"id":"b1","type":"buy","item":"kayak"}`)

	assert.Len(t, sender.sent(), 1)
}

func TestMatch_Body(t *testing.T) {
	body, err := Match{ListingID: "s1", SellerAgent: "s", BuyerAgent: "b"}.Body()
	require.NoError(t, err)
	assert.Equal(t, `MATCH_FOUND {"listing_id":"s1","seller_agent":"s","buyer_agent":"b"}`, body)
}

func TestEngine_AcceptsNonStringListingFields(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(sender, nil)

	observe(t, e, "seller", `{"id":42,"type":"sell","item":"Nintendo Switch","price":150,"ship":true,"location":{"city":"Oakland"},"notes":null,"condition":3}`)
	matches, err := e.Observe(t.Context(), "buyer", nil, `INTENT {"id":"b1","type":"buy","item":"nintendo switch","ship":false}`)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	listings, sent := e.Counts()
	assert.Equal(t, 2, listings)
	assert.Equal(t, 1, sent)

	m := decodeMatch(t, sender.sent()[0].body)
	assert.Equal(t, "42", m.ListingID)
	assert.Equal(t, "seller", m.SellerAgent)
	assert.JSONEq(t, "3", string(m.Condition))
}

func TestEngine_RejectsOnlyUnparseableOrIDless(t *testing.T) {
	e := NewEngine(&recordingSender{}, nil)

	_, err := e.Observe(t.Context(), "a", nil, `LISTING_CREATE {"id":`)
	assert.ErrorIs(t, err, listing.ErrMalformed)

	_, err = e.Observe(t.Context(), "a", nil, `LISTING_CREATE {"id":null,"type":"sell","item":"bike"}`)
	assert.ErrorIs(t, err, listing.ErrMissingID)

	listings, _ := e.Counts()
	assert.Zero(t, listings)
}
