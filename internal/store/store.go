package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"imsd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS bringup_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	slot    INTEGER NOT NULL,
	step    TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS bringup_events_slot ON bringup_events (slot);

CREATE TABLE IF NOT EXISTS addresses (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	slot    INTEGER NOT NULL,
	address TEXT NOT NULL,
	at      INTEGER NOT NULL
);
`

// Store persists bring-up history in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}

	log.WithField("path", path).Info("Opened bring-up store")
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEvent appends one step outcome.
func (s *Store) RecordEvent(ev types.BringupEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO bringup_events (
		slot,
		step,
		outcome,
		detail,
		at
	) VALUES (?, ?, ?, ?, ?);`, ev.Slot, ev.Step, ev.Outcome, ev.Detail, ev.At.UnixNano())
	return err
}

// RecordAddress stores an address granted to slot.
func (s *Store) RecordAddress(slot uint32, address string) error {
	_, err := s.db.Exec(`INSERT INTO addresses (
		slot,
		address,
		at
	) VALUES (?, ?, ?);`, slot, address, time.Now().UnixNano())
	return err
}

// Events returns the events of slot in insertion order.
func (s *Store) Events(slot uint32) ([]types.BringupEvent, error) {
	rows, err := s.db.Query(`SELECT step, outcome, detail, at FROM bringup_events
		WHERE slot = ? ORDER BY id;`, slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.BringupEvent
	for rows.Next() {
		ev := types.BringupEvent{Slot: slot}
		var at int64
		if err := rows.Scan(&ev.Step, &ev.Outcome, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastAddress returns the most recent address granted to slot.
func (s *Store) LastAddress(slot uint32) (string, bool, error) {
	var addr string
	err := s.db.QueryRow(`SELECT address FROM addresses
		WHERE slot = ? ORDER BY id DESC LIMIT 1;`, slot).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return addr, true, nil
}
