// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OperationLog is the append-only, crash-safe store of pending local
// mutations. It owns the pending_operations and record_meta tables; all rows
// survive process restart, including restarts in the middle of a sync cycle.
type OperationLog struct {
	db *sql.DB
}

// NewOperationLog creates the log over an open SQLite handle, creating its
// tables if needed.
func NewOperationLog(db *sql.DB) (*OperationLog, error) {
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return &OperationLog{db: db}, nil
}

// initializeSchema creates the durable sync tables and enables WAL mode.
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Pending queue; id is AUTOINCREMENT so ids are never reused and
		// insertion order is the causal order for a given record.
		`CREATE TABLE IF NOT EXISTS pending_operations (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name     TEXT NOT NULL,
			record_id      TEXT NOT NULL,
			op             TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload        TEXT,
			base_version   INTEGER NOT NULL DEFAULT 0,
			client_ts      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			attempt_count  INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT,
			no_retry       INTEGER NOT NULL DEFAULT 0,
			synced         INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pending_record
			ON pending_operations (table_name, record_id, id)`,

		// One open conflict per record; identity is stable while open.
		`CREATE TABLE IF NOT EXISTS conflicts (
			id              TEXT NOT NULL,
			table_name      TEXT NOT NULL,
			record_id       TEXT NOT NULL,
			detected_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			operation_id    INTEGER NOT NULL,
			remote_snapshot TEXT,
			remote_version  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (table_name, record_id)
		)`,

		// Last-known remote version per record; the coordinator submits this
		// as the base version for conflict detection.
		`CREATE TABLE IF NOT EXISTS record_meta (
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			base_version INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (table_name, record_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// Enqueue constructs a PendingOperation with the next monotonic id, persists
// it and returns it. A persistence failure propagates to the caller so the
// optimistic UI update can be rolled back or flagged.
func (l *OperationLog) Enqueue(ctx context.Context, intent MutationIntent) (*PendingOperation, error) {
	if intent.Table == "" || intent.RecordID == "" {
		return nil, &PersistenceError{Op: "enqueue", Err: fmt.Errorf("table and record id are required")}
	}
	if !intent.Op.Valid() {
		return nil, &PersistenceError{Op: "enqueue", Err: fmt.Errorf("unknown operation type %q", intent.Op)}
	}

	baseVersion, err := l.BaseVersion(ctx, intent.Table, intent.RecordID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO pending_operations (table_name, record_id, op, payload, base_version, client_ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, intent.Table, intent.RecordID, string(intent.Op), nullableText(intent.Payload), baseVersion, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, &PersistenceError{Op: "enqueue", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &PersistenceError{Op: "enqueue", Err: err}
	}

	return &PendingOperation{
		ID:              id,
		Table:           intent.Table,
		RecordID:        intent.RecordID,
		Op:              intent.Op,
		Payload:         intent.Payload,
		BaseVersion:     baseVersion,
		ClientTimestamp: now,
	}, nil
}

// ListPending returns all not-yet-synced entries in insertion order. It is
// read-only and safe to call repeatedly.
func (l *OperationLog) ListPending(ctx context.Context) ([]PendingOperation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, payload, base_version, client_ts,
		       attempt_count, last_error, no_retry, synced
		FROM pending_operations
		WHERE synced = 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}

// Get returns a single log entry by id.
func (l *OperationLog) Get(ctx context.Context, id int64) (*PendingOperation, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, table_name, record_id, op, payload, base_version, client_ts,
		       attempt_count, last_error, no_retry, synced
		FROM pending_operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	return op, err
}

// MarkSynced flags an entry as confirmed applied remotely. Idempotent: a
// second call with the same id leaves the log unchanged.
func (l *OperationLog) MarkSynced(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE pending_operations SET synced = 1, last_error = NULL WHERE id = ?
	`, id)
	if err != nil {
		return &PersistenceError{Op: "mark-synced", Err: err}
	}
	return nil
}

// MarkFailed records a transient failure against an entry. The caller passes
// the resulting attempt count rather than asking the store to increment, so a
// redundant second call with the same arguments leaves the row unchanged and
// never double-counts toward the retry ceiling. The entry stays pending.
func (l *OperationLog) MarkFailed(ctx context.Context, id int64, attempts int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET attempt_count = ?, last_error = ?
		WHERE id = ? AND synced = 0
	`, attempts, msg, id)
	if err != nil {
		return &PersistenceError{Op: "mark-failed", Err: err}
	}
	return nil
}

// MarkRejected flags an entry as permanently rejected by the remote. The row
// stays in the log for visibility but stops auto-retrying.
func (l *OperationLog) MarkRejected(ctx context.Context, id int64, msg string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE pending_operations SET no_retry = 1, last_error = ? WHERE id = ? AND synced = 0
	`, msg, id)
	if err != nil {
		return &PersistenceError{Op: "mark-rejected", Err: err}
	}
	return nil
}

// Rebase updates an entry's assumed base version and clears its retry state.
// Used by conflict resolution before the entry is replayed.
func (l *OperationLog) Rebase(ctx context.Context, id int64, baseVersion int64, payload []byte) error {
	var err error
	if payload != nil {
		_, err = l.db.ExecContext(ctx, `
			UPDATE pending_operations
			SET base_version = ?, payload = ?, attempt_count = 0, last_error = NULL, no_retry = 0
			WHERE id = ?
		`, baseVersion, string(payload), id)
	} else {
		_, err = l.db.ExecContext(ctx, `
			UPDATE pending_operations
			SET base_version = ?, attempt_count = 0, last_error = NULL, no_retry = 0
			WHERE id = ?
		`, baseVersion, id)
	}
	if err != nil {
		return &PersistenceError{Op: "rebase", Err: err}
	}
	return nil
}

// Remove deletes an entry. Idempotent: removing an absent id is a no-op.
func (l *OperationLog) Remove(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return &PersistenceError{Op: "remove", Err: err}
	}
	return nil
}

// Clear destructively drops every queued entry and record watermark. It is
// reachable only from the explicit "discard offline data" action, never from
// the automatic sync path, and is rejected by the engine while a cycle runs.
func (l *OperationLog) Clear(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_meta`); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	return nil
}

// CompactSynced deletes synced entries whose record has no open conflict.
// Synced rows behind an open conflict are kept so a resolution can still see
// the full local history for the record.
func (l *OperationLog) CompactSynced(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM pending_operations
		WHERE synced = 1
		  AND NOT EXISTS (
			SELECT 1 FROM conflicts c
			WHERE c.table_name = pending_operations.table_name
			  AND c.record_id = pending_operations.record_id
		  )
	`)
	if err != nil {
		return &PersistenceError{Op: "compact", Err: err}
	}
	return nil
}

// PendingCount returns the number of not-yet-synced entries.
func (l *OperationLog) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations WHERE synced = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// BaseVersion returns the last-known remote version for a record, or zero if
// the record has never been confirmed remotely.
func (l *OperationLog) BaseVersion(ctx context.Context, table, recordID string) (int64, error) {
	var v int64
	err := l.db.QueryRowContext(ctx, `
		SELECT base_version FROM record_meta WHERE table_name = ? AND record_id = ?
	`, table, recordID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query record meta: %w", err)
	}
	return v, nil
}

// SetBaseVersion advances the last-known remote version for a record.
func (l *OperationLog) SetBaseVersion(ctx context.Context, table, recordID string, version int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO record_meta (table_name, record_id, base_version, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			base_version = excluded.base_version,
			updated_at = excluded.updated_at
	`, table, recordID, version)
	if err != nil {
		return &PersistenceError{Op: "set-base-version", Err: err}
	}
	return nil
}

// DropRecordMeta forgets the version watermark for a record, typically after
// a confirmed remote delete.
func (l *OperationLog) DropRecordMeta(ctx context.Context, table, recordID string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM record_meta WHERE table_name = ? AND record_id = ?
	`, table, recordID)
	if err != nil {
		return &PersistenceError{Op: "drop-record-meta", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*PendingOperation, error) {
	var (
		op        PendingOperation
		opType    string
		payload   sql.NullString
		clientTS  string
		lastError sql.NullString
		noRetry   int
		synced    int
	)
	err := row.Scan(&op.ID, &op.Table, &op.RecordID, &opType, &payload, &op.BaseVersion,
		&clientTS, &op.AttemptCount, &lastError, &noRetry, &synced)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending operation: %w", err)
	}
	op.Op = OpType(opType)
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	op.NoRetry = noRetry != 0
	op.Synced = synced != 0
	if ts, err := time.Parse(time.RFC3339Nano, clientTS); err == nil {
		op.ClientTimestamp = ts
	}
	return &op, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
