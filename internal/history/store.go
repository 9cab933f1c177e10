// Package history keeps a persistent log of watcher events in SQLite so
// that state changes can be inspected after the fact. Events are stored
// whole as JSON next to a few indexed columns used for lookups.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bigsaltyfishes/nmwatch/internal/events"
)

// pruneEvery is how many recorded events pass between retention sweeps.
const pruneEvery = 100

// Store is an append-only event log. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db    *sql.DB
	owned bool
}

// Open opens (or creates) the history database at path using the cgo
// SQLite driver. The returned store owns the connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewStore wraps an existing database handle, creating the schema on
// first use. The caller keeps ownership of db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		ts         TEXT NOT NULL,
		kind       TEXT NOT NULL,
		connection TEXT,
		device     TEXT,
		payload    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_connection ON events(connection);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends an event. Recording the same event ID twice is a no-op.
func (s *Store) Record(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, kind, connection, device, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Kind),
		nullString(e.ConnectionPath()),
		nullString(e.DevicePath()),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A limit of zero or
// less returns nothing.
func (s *Store) Recent(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	return scanEvents(rows)
}

// ForConnection returns up to limit events about one ActiveConnection
// path, newest first.
func (s *Store) ForConnection(ctx context.Context, path string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE connection = ? ORDER BY seq DESC LIMIT ?`,
		path, limit)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", path, err)
	}
	return scanEvents(rows)
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep events and reports how many
// rows were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE seq NOT IN (
			SELECT seq FROM events ORDER BY seq DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

// Run records every event published on bus until ctx is cancelled.
// When maxEvents is positive the log is trimmed to that many entries
// every hundred writes. Write failures are logged and do not stop
// the recorder.
func (s *Store) Run(ctx context.Context, bus *events.Bus, maxEvents int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	logger.Info("history recorder started", "max_events", maxEvents)

	var written int
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			if err := s.Record(ctx, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("failed to record event", "id", e.ID, "kind", string(e.Kind), "error", err)
				continue
			}
			written++
			if maxEvents > 0 && written%pruneEvery == 0 {
				n, err := s.Prune(ctx, maxEvents)
				if err != nil {
					logger.Warn("failed to prune history", "error", err)
				} else if n > 0 {
					logger.Debug("pruned history", "removed", n, "kept", maxEvents)
				}
			}
		}
	}
}

func scanEvents(rows *sql.Rows) ([]events.Event, error) {
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
