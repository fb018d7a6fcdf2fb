// ABOUTME: Flat file ledger writing gossip and DM text logs plus a listings JSONL file
// ABOUTME: Files are opened once in append mode and written under a single mutex

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// File names inside the ledger directory.
const (
	GossipLogName   = "gateway-gossip.log"
	DMLogName       = "gateway-dm.log"
	ListingsLogName = "gateway-listings.jsonl"
)

// FileLedger appends human-readable lines for every message and the full
// envelope for every gossip message that carried a listing.
type FileLedger struct {
	mu       sync.Mutex
	gossip   *os.File
	dm       *os.File
	listings *os.File
	logger   *slog.Logger
}

// NewFileLedger opens (creating if needed) the three ledger files in dir.
func NewFileLedger(dir string, logger *slog.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	open := func(name string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		return f, nil
	}

	l := &FileLedger{logger: logger.With("component", "ledger")}
	var err error
	if l.gossip, err = open(GossipLogName); err != nil {
		return nil, err
	}
	if l.dm, err = open(DMLogName); err != nil {
		_ = l.gossip.Close()
		return nil, err
	}
	if l.listings, err = open(ListingsLogName); err != nil {
		_ = l.gossip.Close()
		_ = l.dm.Close()
		return nil, err
	}

	l.logger.Info("file ledger opened", "dir", dir)
	return l, nil
}

// Append writes r to the files for its kind.
func (l *FileLedger) Append(_ context.Context, r *Record) error {
	ts := r.Timestamp.UTC().Format(TimeFormat)

	l.mu.Lock()
	defer l.mu.Unlock()

	switch r.Kind {
	case KindGossip:
		if _, err := fmt.Fprintf(l.gossip, "%s %s %s\n", ts, r.From, r.Body); err != nil {
			return fmt.Errorf("writing gossip log: %w", err)
		}
		if r.HasListing() {
			if _, err := l.listings.Write(append(append([]byte(nil), r.Payload...), '\n')); err != nil {
				return fmt.Errorf("writing listings log: %w", err)
			}
		}
	case KindDM:
		if _, err := fmt.Fprintf(l.dm, "%s %s -> %s %s\n", ts, r.From, r.To, r.Body); err != nil {
			return fmt.Errorf("writing dm log: %w", err)
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// Close closes all three files.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{l.gossip, l.dm, l.listings} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
