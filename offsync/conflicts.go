// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConflictStore holds unresolved divergences between a local write and a
// remote write for the same record. Set semantics: at most one open conflict
// per (table, record); a newer conflict for an already-conflicted record
// replaces the remote snapshot but keeps the same conflict identity.
type ConflictStore struct {
	db *sql.DB
}

// NewConflictStore creates the store over the same SQLite handle as the
// operation log; the conflicts table is created by the log's schema init.
func NewConflictStore(db *sql.DB) *ConflictStore {
	return &ConflictStore{db: db}
}

// Record registers a divergence for op. If the record already has an open
// conflict, only the remote snapshot and version are refreshed.
func (s *ConflictStore) Record(ctx context.Context, op *PendingOperation, remoteSnapshot json.RawMessage, remoteVersion int64) (*Conflict, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, table_name, record_id, detected_at, operation_id, remote_snapshot, remote_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			remote_snapshot = excluded.remote_snapshot,
			remote_version = excluded.remote_version
	`, id, op.Table, op.RecordID, now.Format(time.RFC3339Nano), op.ID, nullableText(remoteSnapshot), remoteVersion)
	if err != nil {
		return nil, &PersistenceError{Op: "record-conflict", Err: err}
	}

	// Re-read so the caller observes the stable identity when the upsert hit
	// an existing row.
	return s.forRecord(ctx, op.Table, op.RecordID)
}

// ListUnresolved returns all open conflicts, oldest first.
func (s *ConflictStore) ListUnresolved(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, detected_at, operation_id, remote_snapshot, remote_version
		FROM conflicts
		ORDER BY detected_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// Get returns an open conflict by id.
func (s *ConflictStore) Get(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, detected_at, operation_id, remote_snapshot, remote_version
		FROM conflicts WHERE id = ?
	`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	return c, err
}

// HasConflict reports whether the record has an open conflict. The
// coordinator holds all further queued operations for such records.
func (s *ConflictStore) HasConflict(ctx context.Context, table, recordID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM conflicts WHERE table_name = ? AND record_id = ?)
	`, table, recordID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check conflict existence: %w", err)
	}
	return exists, nil
}

// Delete removes a conflict. Only the engine's resolution path calls this;
// the sync cycle itself never destroys a conflict.
func (s *ConflictStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return &PersistenceError{Op: "delete-conflict", Err: err}
	}
	return nil
}

// Clear drops all open conflicts. Reached only from the explicit
// "discard offline data" action.
func (s *ConflictStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflicts`)
	if err != nil {
		return &PersistenceError{Op: "clear-conflicts", Err: err}
	}
	return nil
}

func (s *ConflictStore) forRecord(ctx context.Context, table, recordID string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, detected_at, operation_id, remote_snapshot, remote_version
		FROM conflicts WHERE table_name = ? AND record_id = ?
	`, table, recordID)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	return c, err
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c          Conflict
		detectedAt string
		snapshot   sql.NullString
	)
	err := row.Scan(&c.ID, &c.Table, &c.RecordID, &detectedAt, &c.OperationID, &snapshot, &c.RemoteVersion)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	if snapshot.Valid {
		c.RemoteSnapshot = []byte(snapshot.String)
	}
	if ts, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		c.DetectedAt = ts
	}
	return &c, nil
}
