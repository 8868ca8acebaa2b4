// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInFlight is returned when an action that mutates the log or
	// conflict store is requested while a sync cycle is running.
	ErrSyncInFlight = errors.New("sync cycle in flight")

	// ErrOffline is returned by a cycle that aborted before touching any
	// operation because the remote was unreachable.
	ErrOffline = errors.New("remote unreachable")

	// ErrConflictNotFound is returned by ResolveConflict for an unknown id.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrOperationNotFound is returned when a log entry id does not exist.
	ErrOperationNotFound = errors.New("pending operation not found")

	// ErrUnauthorized is returned when the remote rejects the client's
	// credentials. The cycle aborts without marking any operation; the caller
	// re-authenticates and retries.
	ErrUnauthorized = errors.New("remote rejected credentials")
)

// PersistenceError wraps a failed write to the operation log or conflict
// store. It always propagates to the caller: a mutation that did not get
// durably recorded must not be assumed durable by the UI.
type PersistenceError struct {
	Op  string // the store operation that failed, e.g. "enqueue"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransientError marks a network or server failure that is safe to retry.
// It drives the scheduler's backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a remote rejection for a non-version reason (e.g.
// validation). The operation stays queued for visibility but stops
// auto-retrying.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote rejected operation (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("remote rejected operation (%s)", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
