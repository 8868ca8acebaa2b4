// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"
)

// initializeSchema creates the server-side sync tables.
func (s *Service) initializeSchema(ctx context.Context) error {
	tables := []string{
		// One row per synced record, scoped by user. server_version increments
		// on every accepted write and is the base for conflict detection.
		// Deletes are soft so a conflicting late write still sees a version.
		`CREATE TABLE IF NOT EXISTS sync_records (
			user_id        TEXT NOT NULL,
			table_name     TEXT NOT NULL,
			record_id      TEXT NOT NULL,
			payload        JSONB,
			server_version BIGINT NOT NULL DEFAULT 0,
			deleted        BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, table_name, record_id)
		)`,

		// Idempotency ledger: one row per accepted (source, client op). A
		// client that lost its ack replays the same op after a restart and
		// gets the original answer instead of a duplicate apply.
		`CREATE TABLE IF NOT EXISTS sync_applied_ops (
			user_id            TEXT NOT NULL,
			source_id          TEXT NOT NULL,
			client_op_id       BIGINT NOT NULL,
			new_server_version BIGINT NOT NULL,
			applied_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, source_id, client_op_id)
		)`,
	}

	for _, table := range tables {
		if _, err := s.pool.Exec(ctx, table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}
