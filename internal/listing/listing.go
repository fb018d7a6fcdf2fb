// ABOUTME: Listing type for buy/sell intents carried in gossip messages
// ABOUTME: Parses listings from structured payloads or reserved body prefixes and normalizes item keys

package listing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Body prefixes that introduce a JSON listing in a gossip body.
var prefixes = []string{"INTENT ", "LISTING_CREATE "}

// Parse errors
var (
	ErrNotListing = errors.New("not a listing")
	ErrMalformed  = errors.New("malformed listing")
	ErrMissingID  = errors.New("listing has no id")
)

// Side is the trading direction of a listing.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Text is a listing field read as display text. JSON strings decode to their
// value; any other JSON value keeps its compact JSON spelling, so 42 becomes
// "42" and null becomes "".
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	*t = Text(Display(data))
	return nil
}

// Display renders a raw JSON value as text: the value of a string, "" for
// null or nothing, otherwise the compact JSON.
func Display(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) != nil {
		return string(raw)
	}
	return buf.String()
}

// Listing is a structured buy or sell intent. Type is the canonical side field;
// Side is accepted as an alias. Item falls back to Detail, then Category.
// Fields that are only passed along to buyers keep their JSON verbatim, since
// agents send numbers, strings and booleans alike.
type Listing struct {
	ID        Text            `json:"id"`
	Type      Text            `json:"type,omitempty"`
	Side      Text            `json:"side,omitempty"`
	Item      Text            `json:"item,omitempty"`
	Detail    Text            `json:"detail,omitempty"`
	Category  Text            `json:"category,omitempty"`
	Price     json.RawMessage `json:"price,omitempty"`
	Currency  json.RawMessage `json:"currency,omitempty"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Ship      json.RawMessage `json:"ship,omitempty"`
	Location  json.RawMessage `json:"location,omitempty"`
	Notes     json.RawMessage `json:"notes,omitempty"`
	AgentID   Text            `json:"agent_id,omitempty"`
}

// Key returns the listing id as a map key.
func (l *Listing) Key() string {
	return string(l.ID)
}

// Direction returns the listing's side, or "" when it is neither buy nor sell.
func (l *Listing) Direction() Side {
	raw := l.Type
	if raw == "" {
		raw = l.Side
	}
	switch s := Side(strings.ToLower(strings.TrimSpace(string(raw)))); s {
	case Buy, Sell:
		return s
	default:
		return ""
	}
}

// ItemName returns the first non-empty of Item, Detail and Category.
func (l *Listing) ItemName() string {
	switch {
	case l.Item != "":
		return string(l.Item)
	case l.Detail != "":
		return string(l.Detail)
	default:
		return string(l.Category)
	}
}

// ItemKey is the normalized item name that listings are matched on.
func (l *Listing) ItemKey() string {
	return Normalize(l.ItemName())
}

// Normalize lowercases s, turns every character outside [a-z0-9 ] into a
// space, collapses runs of whitespace and trims.
func Normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, strings.ToLower(s))
	return strings.Join(strings.Fields(mapped), " ")
}

// ParseBody extracts a listing from a gossip body of the form
// "INTENT {...}" or "LISTING_CREATE {...}". It returns ErrNotListing when the
// body has no listing prefix.
func ParseBody(body string) (*Listing, error) {
	trimmed := strings.TrimSpace(body)
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(trimmed, p); ok {
			return decode([]byte(strings.TrimSpace(rest)))
		}
	}
	return nil, ErrNotListing
}

// FromGossip returns the listing a gossip message carries: the structured
// listing when present, otherwise whatever the body prefix yields.
func FromGossip(structured json.RawMessage, body string) (*Listing, error) {
	if len(structured) > 0 && string(structured) != "null" {
		return decode(structured)
	}
	return ParseBody(body)
}

func decode(data []byte) (*Listing, error) {
	var l Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(l.ID)) == "" {
		return nil, ErrMissingID
	}
	return &l, nil
}
