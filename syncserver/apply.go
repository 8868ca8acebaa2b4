// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Garblesnarff/recipe-galaxy-sync-sub004/offsync"
)

const txRetryAttempts = 3

// Apply processes one client operation with optimistic concurrency. The
// answer is one of:
//   - applied: base version matched, record advanced to a new server_version
//   - conflict: base version stale; the current server row is returned
//   - rejected: the operation can never succeed (validation), the client
//     should stop retrying it
//
// Replay of an already-accepted (source, client op) returns the original
// applied answer, so a client that crashed between apply and ack does not
// duplicate the write.
func (s *Service) Apply(ctx context.Context, userID, sourceID string, req *offsync.ApplyRequest) (*offsync.ApplyResponse, error) {
	if resp := s.validate(req); resp != nil {
		return resp, nil
	}

	var resp *offsync.ApplyResponse
	err := withTxRetry(ctx, txRetryAttempts, func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		resp, err = s.applyInTx(ctx, tx, userID, sourceID, req)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// validate answers rejections that need no database state.
func (s *Service) validate(req *offsync.ApplyRequest) *offsync.ApplyResponse {
	if !s.registeredTables[req.Table] {
		return rejected("unregistered_table", fmt.Sprintf("table %q is not registered for sync", req.Table))
	}
	if !req.Op.Valid() {
		return rejected("bad_op", fmt.Sprintf("unknown operation type %q", req.Op))
	}
	if req.RecordID == "" {
		return rejected("bad_record_id", "record id is required")
	}
	if req.Op != offsync.OpDelete {
		if len(req.Payload) == 0 {
			return rejected("bad_payload", "payload is required for create/update")
		}
		if !json.Valid(req.Payload) {
			return rejected("bad_payload", "payload is not valid JSON")
		}
	}
	if s.config.MaxPayloadBytes > 0 && len(req.Payload) > s.config.MaxPayloadBytes {
		return rejected("payload_too_large", fmt.Sprintf("payload exceeds %d bytes", s.config.MaxPayloadBytes))
	}
	return nil
}

func (s *Service) applyInTx(ctx context.Context, tx pgx.Tx, userID, sourceID string, req *offsync.ApplyRequest) (*offsync.ApplyResponse, error) {
	// Idempotent replay: already accepted this exact client op.
	var priorVersion int64
	err := tx.QueryRow(ctx, `
		SELECT new_server_version FROM sync_applied_ops
		WHERE user_id = $1 AND source_id = $2 AND client_op_id = $3
	`, userID, sourceID, req.ClientOpID).Scan(&priorVersion)
	if err == nil {
		return &offsync.ApplyResponse{Status: "applied", NewVersion: priorVersion}, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to check idempotency ledger: %w", err)
	}

	// Lock the current row, if any.
	var (
		currentVersion int64
		deleted        bool
		payload        []byte
		exists         = true
	)
	err = tx.QueryRow(ctx, `
		SELECT server_version, deleted, payload FROM sync_records
		WHERE user_id = $1 AND table_name = $2 AND record_id = $3
		FOR UPDATE
	`, userID, req.Table, req.RecordID).Scan(&currentVersion, &deleted, &payload)
	if err == pgx.ErrNoRows {
		exists = false
		currentVersion = 0
	} else if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	if req.BaseVersion != currentVersion {
		// Stale base: someone else modified the record since the client's
		// last confirmed version.
		snapshot := payload
		if !exists || deleted {
			snapshot = nil
		}
		return &offsync.ApplyResponse{
			Status:         "conflict",
			RemoteSnapshot: snapshot,
			RemoteVersion:  currentVersion,
		}, nil
	}

	newVersion := currentVersion + 1
	switch req.Op {
	case offsync.OpCreate, offsync.OpUpdate:
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_records (user_id, table_name, record_id, payload, server_version, deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, now())
			ON CONFLICT (user_id, table_name, record_id) DO UPDATE SET
				payload = EXCLUDED.payload,
				server_version = EXCLUDED.server_version,
				deleted = FALSE,
				updated_at = now()
		`, userID, req.Table, req.RecordID, req.Payload, newVersion)
	case offsync.OpDelete:
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_records (user_id, table_name, record_id, payload, server_version, deleted, updated_at)
			VALUES ($1, $2, $3, NULL, $4, TRUE, now())
			ON CONFLICT (user_id, table_name, record_id) DO UPDATE SET
				payload = NULL,
				server_version = EXCLUDED.server_version,
				deleted = TRUE,
				updated_at = now()
		`, userID, req.Table, req.RecordID, newVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s to %s/%s: %w", req.Op, req.Table, req.RecordID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync_applied_ops (user_id, source_id, client_op_id, new_server_version)
		VALUES ($1, $2, $3, $4)
	`, userID, sourceID, req.ClientOpID, newVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to record applied op: %w", err)
	}

	return &offsync.ApplyResponse{Status: "applied", NewVersion: newVersion}, nil
}

// GetRecord returns the current server state of one record, for the UI's
// conflict detail view.
func (s *Service) GetRecord(ctx context.Context, userID, table, recordID string) (json.RawMessage, int64, error) {
	var (
		payload []byte
		version int64
		deleted bool
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload, server_version, deleted FROM sync_records
		WHERE user_id = $1 AND table_name = $2 AND record_id = $3
	`, userID, table, recordID).Scan(&payload, &version, &deleted)
	if err == pgx.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load record: %w", err)
	}
	if deleted {
		return nil, version, nil
	}
	return payload, version, nil
}

func rejected(reason, message string) *offsync.ApplyResponse {
	return &offsync.ApplyResponse{Status: "rejected", Reason: reason, Message: message}
}
