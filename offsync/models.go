// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// OpType identifies the kind of local mutation recorded in the operation log.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Valid reports whether the operation type is one the engine understands.
func (op OpType) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// MutationIntent describes a local mutation the caller wants recorded for
// later replay against the remote store. Payload is opaque to the engine.
type MutationIntent struct {
	Table    string          `json:"table"`
	RecordID string          `json:"record_id"`
	Op       OpType          `json:"op"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PendingOperation is one durably recorded, not-yet-confirmed local mutation.
// Only the coordinator mutates retry bookkeeping and the synced flag.
type PendingOperation struct {
	ID              int64           `json:"id"` // monotonic; insertion order is causal order per record
	Table           string          `json:"table"`
	RecordID        string          `json:"record_id"`
	Op              OpType          `json:"op"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	BaseVersion     int64           `json:"base_version"` // remote version assumed at enqueue time
	ClientTimestamp time.Time       `json:"client_ts"`    // display and tie-breaking only
	AttemptCount    int             `json:"attempt_count"`
	LastError       string          `json:"last_error,omitempty"`
	NoRetry         bool            `json:"no_retry"` // permanently rejected; kept for visibility
	Synced          bool            `json:"synced"`
}

// Conflict is a detected divergence between a local mutation's assumed base
// state and the remote's actual state. It is destroyed only by an explicit
// resolution action.
type Conflict struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	RecordID       string          `json:"record_id"`
	DetectedAt     time.Time       `json:"detected_at"`
	OperationID    int64           `json:"operation_id"` // the PendingOperation that could not be applied
	RemoteSnapshot json.RawMessage `json:"remote_snapshot,omitempty"`
	RemoteVersion  int64           `json:"remote_version"`
}

// SyncResult summarizes one sync cycle. It is immutable once produced and
// superseded, not merged, by the next run's result.
type SyncResult struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Success     bool      `json:"success"`
	Synced      int       `json:"synced"`
	Failed      int       `json:"failed"`
	Conflicts   int       `json:"conflicts"`
	Errors      []string  `json:"errors,omitempty"`
}

// ResolutionKind selects how an open conflict is consumed.
type ResolutionKind string

const (
	// ResolutionAcceptLocal rebases the blocked operation on the conflicting
	// remote version and re-queues it for the next cycle.
	ResolutionAcceptLocal ResolutionKind = "accept-local"
	// ResolutionAcceptRemote discards the blocked local operation and adopts
	// the remote version as the new base.
	ResolutionAcceptRemote ResolutionKind = "accept-remote"
	// ResolutionMerge replaces the blocked operation's payload with a merged
	// body supplied by the caller, rebased on the remote version. Merge
	// semantics per entity type are a product decision made by the caller.
	ResolutionMerge ResolutionKind = "merge"
)

// Resolution is the caller-supplied decision for a conflict. MergedPayload is
// required for ResolutionMerge and ignored otherwise.
type Resolution struct {
	Kind          ResolutionKind  `json:"kind"`
	MergedPayload json.RawMessage `json:"merged_payload,omitempty"`
}
