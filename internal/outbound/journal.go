package outbound

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"

	"trade_gateway/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS outbound_events (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	id       TEXT NOT NULL UNIQUE,
	kind     TEXT NOT NULL,
	venue    TEXT NOT NULL,
	ts       INTEGER NOT NULL,
	data     TEXT NOT NULL,
	checksum BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbound_events_venue ON outbound_events (venue, seq);
`

// JournalEntry is one stored event with its sequence number.
type JournalEntry struct {
	Seq   int64
	Event model.OutboundEvent
}

// Journal is an append-only SQLite record of every outbound event.
type Journal struct {
	db *sql.DB
}

func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Name() string { return "journal" }

// Deliver implements Sink. Replaying an event id already stored is a no-op.
func (j *Journal) Deliver(ctx context.Context, ev model.OutboundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	sum := sha256.Sum256(data)
	_, err = j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbound_events (id, kind, venue, ts, data, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.Venue, ev.Time.UnixNano(), string(data), sum[:])
	if err != nil {
		return fmt.Errorf("failed to write event %s: %w", ev.ID, err)
	}
	return nil
}

// Since returns up to limit entries after seq, optionally for one venue.
// Entries whose checksum does not match are reported as an error.
func (j *Journal) Since(ctx context.Context, venue string, seq int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT seq, data, checksum FROM outbound_events WHERE seq > ? ORDER BY seq LIMIT ?`
	args := []interface{}{seq, limit}
	if venue != "" {
		query = `SELECT seq, data, checksum FROM outbound_events WHERE venue = ? AND seq > ? ORDER BY seq LIMIT ?`
		args = []interface{}{venue, seq, limit}
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e        JournalEntry
			data     string
			checksum []byte
		)
		if err := rows.Scan(&e.Seq, &data, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		sum := sha256.Sum256([]byte(data))
		if !bytes.Equal(sum[:], checksum) {
			return nil, fmt.Errorf("journal entry %d: checksum verification failed", e.Seq)
		}
		if err := json.Unmarshal([]byte(data), &e.Event); err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_events`).Scan(&n)
	return n, err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
