// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownIdentity is returned when a presence operation targets an
// identity that has never sent a heartbeat.
var ErrUnknownIdentity = errors.New("unknown presence identity")

// SyncService is the remote document store behind the portal sync API.
// Every synchronized collection is stored as one row: whole-document
// granularity, no per-record change log. The service is the only shared
// mutable resource between clients and is never locked; concurrency control
// is the clients' read-merge-write cycle plus the monotonic updated_at.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string // Application name for connection tracking
	MaxContentBytes int    // Maximum JSON content size per document in bytes (0 = unlimited)
}

// NewSyncService creates a new sync service instance from an existing pool
// This is the main entry point for SDK users who already have a connection pool
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{
			AppName: "portal-sync",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	if err := service.initializeSchema(ctx); err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully")

	return service, nil
}

// Close releases the service. The pool itself is owned by the caller.
func (s *SyncService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// SelectMetadata returns key + updated_at for every stored document,
// ordered by key. Content is never transferred on this path.
func (s *SyncService) SelectMetadata(ctx context.Context) ([]DocumentMeta, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, updated_at FROM portal.sync_document ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to select document metadata: %w", err)
	}
	defer rows.Close()

	var metas []DocumentMeta
	for rows.Next() {
		var m DocumentMeta
		if err := rows.Scan(&m.Key, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document metadata: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// SelectDocuments returns full content for the requested keys. Keys with no
// stored document are silently absent from the result.
func (s *SyncService) SelectDocuments(ctx context.Context, keys []string) ([]Document, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT key, content, updated_at FROM portal.sync_document
		WHERE key = ANY($1) ORDER BY key
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to select documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var content []byte
		if err := rows.Scan(&d.Key, &content, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.Content = json.RawMessage(content)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpsertDocument replaces the content of one collection document and returns
// the new updated_at. The timestamp is advanced monotonically even under
// clock skew: it never moves backwards relative to the stored value, so a
// client that records it can rely on "equal timestamp means identical
// content".
func (s *SyncService) UpsertDocument(ctx context.Context, key string, content json.RawMessage) (*UpsertResponse, error) {
	if err := validateDocumentKey(key); err != nil {
		return nil, err
	}
	if err := validateContent(content, s.config.MaxContentBytes); err != nil {
		return nil, err
	}

	var resp UpsertResponse
	resp.Key = key
	err := s.pool.QueryRow(ctx, `
		INSERT INTO portal.sync_document (key, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			content    = EXCLUDED.content,
			updated_at = GREATEST(now(), portal.sync_document.updated_at + interval '1 millisecond')
		RETURNING updated_at
	`, key, content).Scan(&resp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document %s: %w", key, err)
	}

	s.logger.Debug("Upserted document", "key", key, "updated_at", resp.UpdatedAt)
	return &resp, nil
}

// UpsertPresence records one heartbeat tick for an identity. Last-write-wins
// per identity, no history. A queued pending command is preserved across
// heartbeats until taken.
func (s *SyncService) UpsertPresence(ctx context.Context, identity, role string, idle bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO portal.sync_presence (identity, role, last_seen, idle, pending_command)
		VALUES ($1, $2, now(), $3, '')
		ON CONFLICT (identity) DO UPDATE SET
			role      = EXCLUDED.role,
			last_seen = now(),
			idle      = EXCLUDED.idle
	`, identity, role, idle)
	if err != nil {
		return fmt.Errorf("failed to upsert presence for %s: %w", identity, err)
	}
	return nil
}

// TakeCommand atomically clears and returns the pending command for an
// identity. Returns "" when nothing is queued. Clear-before-execute lives
// here so a crashed client cannot re-run a command on its next tick.
func (s *SyncService) TakeCommand(ctx context.Context, identity string) (string, error) {
	var command string
	err := s.pool.QueryRow(ctx, `
		WITH taken AS (
			SELECT identity, pending_command FROM portal.sync_presence
			WHERE identity = $1 AND pending_command <> ''
			FOR UPDATE
		)
		UPDATE portal.sync_presence p
		SET pending_command = ''
		FROM taken
		WHERE p.identity = taken.identity
		RETURNING taken.pending_command
	`, identity).Scan(&command)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to take command for %s: %w", identity, err)
	}
	return command, nil
}

// SetCommand queues a remote command for an identity. The identity must have
// an existing presence row (a client that has never signed in cannot be
// commanded).
func (s *SyncService) SetCommand(ctx context.Context, identity, command string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE portal.sync_presence SET pending_command = $2 WHERE identity = $1
	`, identity, command)
	if err != nil {
		return fmt.Errorf("failed to set command for %s: %w", identity, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownIdentity
	}
	s.logger.Debug("Queued remote command", "identity", identity, "command", command)
	return nil
}

// ListPresence returns all presence rows ordered by identity
func (s *SyncService) ListPresence(ctx context.Context) ([]PresenceRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity, role, last_seen, idle, pending_command
		FROM portal.sync_presence ORDER BY identity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	defer rows.Close()

	var out []PresenceRow
	for rows.Next() {
		var p PresenceRow
		if err := rows.Scan(&p.Identity, &p.Role, &p.LastSeen, &p.Idle, &p.PendingCommand); err != nil {
			return nil, fmt.Errorf("failed to scan presence row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
