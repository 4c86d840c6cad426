// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrUnknownCollection is returned for a collection name outside the schema
// registry.
var ErrUnknownCollection = errors.New("unknown collection")

// Replica is the client-local copy of the shared dataset: one content row
// per collection plus a per-collection last_synced_at marker recording the
// remote updated_at as of the last successful pull or push. The replica is
// private to one client process and is read and written synchronously by
// the rest of the application.
type Replica struct {
	db     *sql.DB
	schema *Schema
}

// NewReplica opens the replica over an existing SQLite handle, creating the
// storage tables and seeding every declared collection with its default
// empty content on first run. Seeding is idempotent: reopening an existing
// replica never clobbers stored content.
func NewReplica(db *sql.DB, schema *Schema) (*Replica, error) {
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize replica database: %w", err)
	}
	r := &Replica{db: db, schema: schema}
	if err := r.seed(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to seed replica: %w", err)
	}
	return r, nil
}

// initializeDatabase creates the replica storage tables (private function)
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// One content row per declared collection
		`CREATE TABLE IF NOT EXISTS _replica (
			collection TEXT PRIMARY KEY,
			content    TEXT NOT NULL
		)`,

		// Remote updated_at as of the last successful pull or push.
		// A missing row means the collection has never synced.
		`CREATE TABLE IF NOT EXISTS _replica_meta (
			collection     TEXT PRIMARY KEY,
			last_synced_at TEXT NOT NULL
		)`,

		// Device info (one row): locally generated persistent device ID
		`CREATE TABLE IF NOT EXISTS _replica_device (
			device_id  TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create replica table: %w", err)
		}
	}
	return nil
}

// EnsureDeviceID generates and persists a device ID if not already present
func EnsureDeviceID(db *sql.DB) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", err
	}
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _replica_device LIMIT 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO _replica_device (device_id) VALUES (?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to persist device ID: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device ID: %w", err)
	}
	return deviceID, nil
}

// NewRecordID returns a unique id for a new list record. Records created
// with an id merge on it directly instead of falling back to the
// collection's natural key.
func NewRecordID() string {
	return uuid.New().String()
}

// seed inserts the declared default content for collections that have no
// stored row yet
func (r *Replica) seed(ctx context.Context) error {
	for _, name := range r.schema.Names() {
		def, err := r.schema.DefaultFor(name)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO _replica (collection, content) VALUES (?, ?)
		`, name, string(def)); err != nil {
			return fmt.Errorf("failed to seed collection %s: %w", name, err)
		}
	}
	return nil
}

// Get returns the stored content of one collection
func (r *Replica) Get(ctx context.Context, name string) (json.RawMessage, error) {
	if _, ok := r.schema.Spec(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	var content string
	err := r.db.QueryRowContext(ctx, `SELECT content FROM _replica WHERE collection = ?`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return r.schema.DefaultFor(name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", name, err)
	}
	return json.RawMessage(content), nil
}

// GetAll returns the stored content of the named collections (all declared
// collections when names is nil)
func (r *Replica) GetAll(ctx context.Context, names []string) (map[string]json.RawMessage, error) {
	if names == nil {
		names = r.schema.Names()
	}
	out := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		content, err := r.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, nil
}

// Put replaces the stored content of one collection
func (r *Replica) Put(ctx context.Context, name string, content json.RawMessage) error {
	if _, ok := r.schema.Spec(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	if !json.Valid(content) {
		return fmt.Errorf("content for collection %s is not valid JSON", name)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO _replica (collection, content) VALUES (?, ?)
		ON CONFLICT (collection) DO UPDATE SET content = excluded.content
	`, name, string(content))
	if err != nil {
		return fmt.Errorf("failed to write collection %s: %w", name, err)
	}
	return nil
}

// LastSyncedAt returns the recorded remote timestamp for one collection.
// ok is false when the collection has never synced.
func (r *Replica) LastSyncedAt(ctx context.Context, name string) (t time.Time, ok bool, err error) {
	var stored string
	err = r.db.QueryRowContext(ctx, `
		SELECT last_synced_at FROM _replica_meta WHERE collection = ?
	`, name).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync marker for %s: %w", name, err)
	}
	t, err = time.Parse(time.RFC3339Nano, stored)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt sync marker for %s: %w", name, err)
	}
	return t, true, nil
}

// SetLastSyncedAt records the remote updated_at observed on a successful
// pull or push
func (r *Replica) SetLastSyncedAt(ctx context.Context, name string, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO _replica_meta (collection, last_synced_at) VALUES (?, ?)
		ON CONFLICT (collection) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`, name, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write sync marker for %s: %w", name, err)
	}
	return nil
}
