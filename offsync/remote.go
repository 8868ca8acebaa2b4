// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ApplyStatus classifies the remote store's answer to one operation.
type ApplyStatus string

const (
	// ApplyApplied means the remote accepted the operation at the submitted
	// base version.
	ApplyApplied ApplyStatus = "applied"
	// ApplyConflict means the base version is stale: the record was modified
	// by someone else since the client's last confirmed version. This is a
	// first-class outcome, not an error.
	ApplyConflict ApplyStatus = "conflict"
)

// ApplyResult is the remote store's answer to one submitted operation.
type ApplyResult struct {
	Status         ApplyStatus
	NewVersion     int64           // set when Status == ApplyApplied
	RemoteSnapshot json.RawMessage // current remote row when Status == ApplyConflict
	RemoteVersion  int64           // current remote version when Status == ApplyConflict
}

// RemoteClient is the engine's only collaborator that performs network I/O.
// Apply returns an ApplyResult for applied/conflict outcomes; transport and
// server failures come back as *TransientError, non-version rejections as
// *PermanentError.
type RemoteClient interface {
	// Ping probes connectivity. The coordinator aborts a cycle before
	// touching any operation when Ping fails.
	Ping(ctx context.Context) error

	// Apply submits one operation with the record's last-known base version.
	Apply(ctx context.Context, op *PendingOperation, baseVersion int64) (*ApplyResult, error)
}

// Wire models shared with the syncserver package's HTTP API.

// ApplyRequest is a single-operation apply request.
type ApplyRequest struct {
	ClientOpID  int64           `json:"client_op_id"` // operation log id, for idempotent replay
	Table       string          `json:"table"`
	RecordID    string          `json:"record_id"`
	Op          OpType          `json:"op"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
}

// ApplyResponse is the server's per-operation answer.
type ApplyResponse struct {
	Status         string          `json:"status"` // "applied", "conflict", "rejected"
	NewVersion     int64           `json:"new_version,omitempty"`
	RemoteSnapshot json.RawMessage `json:"remote_snapshot,omitempty"`
	RemoteVersion  int64           `json:"remote_version,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// HTTPRemote talks to a syncserver-compatible endpoint over HTTP with bearer
// token auth.
type HTTPRemote struct {
	BaseURL  string
	Token    func(context.Context) (string, error) // returns a JWT
	SourceID string
	HTTP     *http.Client
}

// NewHTTPRemote creates an HTTP remote client with a default timeout.
func NewHTTPRemote(baseURL, sourceID string, tok func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL:  baseURL,
		Token:    tok,
		SourceID: sourceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Ping checks the server health endpoint.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/healthz", nil)
	if err != nil {
		return &TransientError{Err: err}
	}
	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Err: fmt.Errorf("health check returned status %d", resp.StatusCode)}
	}
	return nil
}

// Apply submits one operation to POST /sync/apply.
func (r *HTTPRemote) Apply(ctx context.Context, op *PendingOperation, baseVersion int64) (*ApplyResult, error) {
	req := ApplyRequest{
		ClientOpID:  op.ID,
		Table:       op.Table,
		RecordID:    op.RecordID,
		Op:          op.Op,
		Payload:     op.Payload,
		BaseVersion: baseVersion,
	}
	jsonData, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal apply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/apply", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	token, err := r.Token(ctx)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to get token: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-Source-ID", r.SourceID)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransientError{Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		return nil, &PermanentError{Reason: "rejected", Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransientError{Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))}
	}

	var applyResp ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&applyResp); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to decode apply response: %w", err)}
	}

	switch applyResp.Status {
	case "applied":
		return &ApplyResult{Status: ApplyApplied, NewVersion: applyResp.NewVersion}, nil
	case "conflict":
		return &ApplyResult{
			Status:         ApplyConflict,
			RemoteSnapshot: applyResp.RemoteSnapshot,
			RemoteVersion:  applyResp.RemoteVersion,
		}, nil
	case "rejected":
		reason := applyResp.Reason
		if reason == "" {
			reason = "rejected"
		}
		return nil, &PermanentError{Reason: reason, Err: fmt.Errorf("%s", applyResp.Message)}
	default:
		return nil, &TransientError{Err: fmt.Errorf("unknown apply status %q", applyResp.Status)}
	}
}
