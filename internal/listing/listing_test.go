// ABOUTME: Tests for listing parsing and item normalization
// ABOUTME: Covers body prefixes, structured payloads, side aliases and malformed input

package listing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Nintendo Switch", "nintendo switch"},
		{"  nintendo   switch ", "nintendo switch"},
		{"Nintendo-Switch (OLED)!", "nintendo switch oled"},
		{"iPhone 15 Pro", "iphone 15 pro"},
		{"tab\tand\nnewline", "tab and newline"},
		{"Café", "caf"},
		{"", ""},
		{"!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestParseBody(t *testing.T) {
	l, err := ParseBody(`LISTING_CREATE {"id":"s1","type":"sell","item":"Nintendo Switch","price":250,"currency":"USD"}`)
	require.NoError(t, err)
	assert.Equal(t, "s1", l.Key())
	assert.Equal(t, Sell, l.Direction())
	assert.Equal(t, "nintendo switch", l.ItemKey())
	assert.JSONEq(t, "250", string(l.Price))

	l, err = ParseBody(`  INTENT {"id":"b1","side":"BUY","detail":"nintendo switch"}`)
	require.NoError(t, err)
	assert.Equal(t, Buy, l.Direction())
	assert.Equal(t, "nintendo switch", l.ItemKey())
}

func TestParseBody_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"plain gossip", "anyone selling a bike?", ErrNotListing},
		{"prefix without space", "INTENT{}", ErrNotListing},
		{"bare prefix", "INTENT   ", ErrNotListing},
		{"not an object", "INTENT bike", ErrMalformed},
		{"bad json", "LISTING_CREATE {id:", ErrMalformed},
		{"missing id", `LISTING_CREATE {"type":"sell","item":"bike"}`, ErrMissingID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := ParseBody(tt.body)
			assert.Nil(t, l)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFromGossip_PrefersStructuredListing(t *testing.T) {
	structured := json.RawMessage(`{"id":"s2","type":"sell","item":"bike"}`)
	l, err := FromGossip(structured, `LISTING_CREATE {"id":"other"}`)
	require.NoError(t, err)
	assert.Equal(t, "s2", l.Key())

	l, err = FromGossip(json.RawMessage("null"), `INTENT {"id":"b9","type":"buy","item":"bike"}`)
	require.NoError(t, err)
	assert.Equal(t, "b9", l.Key())

	_, err = FromGossip(json.RawMessage(`{"type":"sell"}`), "")
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestDirection_UnknownSide(t *testing.T) {
	l := &Listing{ID: "x", Type: "trade"}
	assert.Equal(t, Side(""), l.Direction())

	l = &Listing{ID: "x"}
	assert.Equal(t, Side(""), l.Direction())
}

func TestItemName_Fallbacks(t *testing.T) {
	assert.Equal(t, "a", (&Listing{Item: "a", Detail: "b", Category: "c"}).ItemName())
	assert.Equal(t, "b", (&Listing{Detail: "b", Category: "c"}).ItemName())
	assert.Equal(t, "c", (&Listing{Category: "c"}).ItemName())
}

func TestParseBody_LenientFields(t *testing.T) {
	l, err := ParseBody(`LISTING_CREATE {"id":42,"type":"sell","item":"Switch","ship":true,"location":{"city":"Oakland"},"notes":null,"currency":7}`)
	require.NoError(t, err)
	assert.Equal(t, "42", l.Key())
	assert.Equal(t, Sell, l.Direction())
	assert.JSONEq(t, "true", string(l.Ship))
	assert.Equal(t, `{"city":"Oakland"}`, Display(l.Location))
	assert.Empty(t, Display(l.Notes))
	assert.Equal(t, "7", Display(l.Currency))

	l, err = ParseBody(`INTENT {"id":"b1","type":"buy","item":2024}`)
	require.NoError(t, err)
	assert.Equal(t, "2024", l.ItemKey())

	_, err = ParseBody(`INTENT {"id":"  ","type":"buy"}`)
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestDisplay(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"used"`, "used"},
		{`150`, "150"},
		{`true`, "true"},
		{`null`, ""},
		{``, ""},
		{`{ "a" : 1 }`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Display(json.RawMessage(tt.raw)))
		})
	}
}
