// ABOUTME: Agent event journal: one JSON line per observed or sent event in events.jsonl
// ABOUTME: Bodies are redacted by channel on write; reads filter and keep the newest events

package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/transport"
)

// FileName is the journal file inside the log directory.
const FileName = "events.jsonl"

// Redacted replaces bodies hidden by the redaction mode.
const Redacted = "[redacted]"

// DefaultLimit is how many events Read returns when no limit is given.
const DefaultLimit = 50

// Journal appends events to events.jsonl.
type Journal struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	redact string
	logger *slog.Logger
}

// Open opens (creating if needed) the journal in dir. redact is one of the
// config.Redact* modes; empty means none.
func Open(dir, redact string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if redact == "" {
		redact = config.RedactNone
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", FileName, err)
	}
	j := &Journal{
		f:      f,
		path:   path,
		redact: redact,
		logger: logger.With("component", "eventlog"),
	}
	j.logger.Debug("event journal opened", "path", path, "redact", redact)
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes ev as one line, redacted per the journal's mode.
func (j *Journal) Append(ev transport.RawEvent) error {
	line, err := json.Marshal(Redact(ev, j.redact))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("writing %s: %w", FileName, err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Redact returns ev with its body replaced when mode hides its channel.
func Redact(ev transport.RawEvent, mode string) transport.RawEvent {
	switch {
	case mode == config.RedactAll:
		ev.Body = Redacted
	case mode == config.RedactDM && ev.Channel == transport.ChannelDM:
		ev.Body = Redacted
	}
	return ev
}

// Filter selects events on read. Empty fields match everything.
type Filter struct {
	Channel  transport.Channel
	From     string
	To       string
	Contains string
	Limit    int // newest N after filtering; <= 0 uses DefaultLimit
}

func (f Filter) match(ev transport.RawEvent) bool {
	return (f.Channel == "" || ev.Channel == f.Channel) &&
		(f.From == "" || ev.From == f.From) &&
		(f.To == "" || ev.To == f.To) &&
		(f.Contains == "" || strings.Contains(ev.Body, f.Contains))
}

// Read returns the newest events in the journal at path that match f, oldest first.
func Read(path string, f Filter) ([]transport.RawEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer file.Close()

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var events []transport.RawEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev transport.RawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), lineNo, err)
		}
		if !f.match(ev) {
			continue
		}
		events = append(events, ev)
		if len(events) > limit {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return events, nil
}
