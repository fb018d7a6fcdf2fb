// ABOUTME: Append-only audit ledger for messages accepted by the broker
// ABOUTME: Defines the Record type, the Ledger interface and a fan-out combinator

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// TimeFormat is the millisecond UTC layout used for every ledger timestamp.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Kind identifies which channel a record was published on.
type Kind string

const (
	KindGossip Kind = "gossip"
	KindDM     Kind = "dm"
)

// Record is one accepted publish. Payload is the envelope exactly as it was
// delivered to subscribers. Listing is non-nil only for gossip that carried one.
type Record struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	From      string
	To        string
	Body      string
	Listing   json.RawMessage
	Payload   json.RawMessage
}

// HasListing reports whether the record carries a non-null listing.
func (r *Record) HasListing() bool {
	return len(r.Listing) > 0 && string(r.Listing) != "null"
}

// Ledger is an append-only audit sink. It is never read back to route messages.
type Ledger interface {
	Append(ctx context.Context, r *Record) error
	Close() error
}

// Multi appends every record to each ledger in turn.
func Multi(ledgers ...Ledger) Ledger {
	return multi(ledgers)
}

type multi []Ledger

func (m multi) Append(ctx context.Context, r *Record) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, l := range m {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard is a Ledger that drops every record.
var Discard Ledger = discard{}

type discard struct{}

func (discard) Append(context.Context, *Record) error { return nil }
func (discard) Close() error                          { return nil }
