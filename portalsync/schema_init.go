// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the required sync tables if they don't exist
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for the portal sync tables
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS portal`,

		// 1) One row per synchronized collection, whole-document granularity.
		// updated_at only ever advances (enforced by the upsert statement).
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS portal.sync_document (
			key        TEXT        PRIMARY KEY,
			content    JSON        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 2) Liveness rows, one per client identity. Last-write-wins, no
		// history. pending_command is the remote-command mailbox.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS portal.sync_presence (
			identity        TEXT        PRIMARY KEY,
			role            TEXT        NOT NULL DEFAULT '',
			last_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
			idle            BOOLEAN     NOT NULL DEFAULT FALSE,
			pending_command TEXT        NOT NULL DEFAULT ''
		)`,

		// Stale-presence sweeps and dashboard feeds read by last_seen
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_sync_presence_last_seen
			ON portal.sync_presence (last_seen)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}

	return nil
}
