// ABOUTME: SQLite audit ledger using modernc.org/sqlite
// ABOUTME: Stores every accepted publish in a messages table with filtered, newest-first listing

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteLedger appends records to a SQLite database.
type SQLiteLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLedger opens the database at path, creating the parent directory
// and schema if they do not exist.
func NewSQLiteLedger(path string, logger *slog.Logger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger.sqlite")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLedger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite ledger initialized", "path", path)
	return l, nil
}

func (l *SQLiteLedger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			record_id    TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			ts           TEXT NOT NULL,
			from_agent   TEXT NOT NULL,
			to_agent     TEXT,
			body         TEXT NOT NULL,
			listing_json TEXT,
			payload_json TEXT NOT NULL,

			CHECK (kind IN ('gossip', 'dm'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_agent);
		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append inserts r. ID and Timestamp are generated when unset.
func (l *SQLiteLedger) Append(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	var to, listing *string
	if r.To != "" {
		to = &r.To
	}
	if r.HasListing() {
		s := string(r.Listing)
		listing = &s
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (record_id, kind, ts, from_agent, to_agent, body, listing_json, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		string(r.Kind),
		r.Timestamp.UTC().Format(TimeFormat),
		r.From,
		to,
		r.Body,
		listing,
		string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("inserting ledger record: %w", err)
	}

	l.logger.Debug("appended ledger record", "id", r.ID, "kind", r.Kind, "from", r.From)
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind  Kind
	From  string
	To    string
	Since *time.Time
	Limit int // default 100, max 1000
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const listQuery = `
	SELECT record_id, kind, ts, from_agent, to_agent, body, listing_json, payload_json
	FROM messages
	WHERE (? IS NULL OR kind = ?)
	  AND (? IS NULL OR from_agent = ?)
	  AND (? IS NULL OR to_agent = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// List returns records matching f, newest first.
func (l *SQLiteLedger) List(ctx context.Context, f Filter) ([]Record, error) {
	kind := nullable(string(f.Kind))
	from := nullable(f.From)
	to := nullable(f.To)
	var since *string
	if f.Since != nil {
		s := f.Since.UTC().Format(TimeFormat)
		since = &s
	}

	rows, err := l.db.QueryContext(ctx, listQuery,
		kind, kind,
		from, from,
		to, to,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []Record{}
	for rows.Next() {
		var (
			r                Record
			kindStr, tsStr   string
			toAgent, listing *string
			payload          string
		)
		if err := rows.Scan(&r.ID, &kindStr, &tsStr, &r.From, &toAgent, &r.Body, &listing, &payload); err != nil {
			return nil, fmt.Errorf("scanning ledger record: %w", err)
		}
		r.Kind = Kind(kindStr)
		if r.Timestamp, err = time.Parse(TimeFormat, tsStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if toAgent != nil {
			r.To = *toAgent
		}
		if listing != nil {
			r.Listing = []byte(*listing)
		}
		r.Payload = []byte(payload)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger records: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
