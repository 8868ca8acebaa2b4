// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package offsync is the offline-first synchronization engine behind the
// Recipe Galaxy apps. It durably records every local mutation attempted
// while disconnected, replays the log against a remote store with
// per-record ordering, detects conflicts against concurrent remote writes
// and surfaces them for manual resolution.
package offsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Config holds tuning for the engine. All durations apply to the scheduler;
// MaxAttempts is the coordinator's retry ceiling per operation.
type Config struct {
	SyncInterval time.Duration // steady-state period between automatic cycles
	BackoffMin   time.Duration // first retry delay after an aborted cycle
	BackoffMax   time.Duration // retry delay cap
	MaxAttempts  int           // per-operation transient retry ceiling
	EventBuffer  int           // per-observer event buffer size
}

// DefaultConfig returns the tuning used by the production apps.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		MaxAttempts:  5,
		EventBuffer:  64,
	}
}

// Engine owns the operation log, conflict store, coordinator, scheduler and
// notifier, and exposes the boundary used by UI and business logic. The log
// and conflict store are injectable components, not singletons; the engine
// is the only writer of their rows outside explicit resolution calls.
type Engine struct {
	db        *sql.DB
	log       *OperationLog
	conflicts *ConflictStore
	remote    RemoteClient
	notifier  *Notifier
	coord     *Coordinator
	sched     *Scheduler
	logger    *slog.Logger

	cancel context.CancelFunc
}

// NewEngine creates an engine over an open SQLite handle and a remote
// client, creating the durable tables if needed.
func NewEngine(db *sql.DB, remote RemoteClient, config *Config, logger *slog.Logger) (*Engine, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	log, err := NewOperationLog(db)
	if err != nil {
		return nil, err
	}
	conflicts := NewConflictStore(db)
	notifier := NewNotifier(config.EventBuffer, logger)
	coord := NewCoordinator(log, conflicts, remote, notifier, config.MaxAttempts, logger)
	sched := NewScheduler(coord, config.SyncInterval, config.BackoffMin, config.BackoffMax, logger)

	return &Engine{
		db:        db,
		log:       log,
		conflicts: conflicts,
		remote:    remote,
		notifier:  notifier,
		coord:     coord,
		sched:     sched,
		logger:    logger,
	}, nil
}

// Start launches the scheduler loop. Stop or ctx cancellation ends it; a
// cycle already in flight runs to its per-group stopping points either way.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.sched.Run(ctx)
}

// Stop ends the scheduler loop started by Start.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Enqueue durably records a local mutation for later replay. Producers are
// never blocked by a running cycle. A persistence failure propagates so the
// caller's optimistic UI update can be rolled back or flagged.
func (e *Engine) Enqueue(ctx context.Context, intent MutationIntent) (*PendingOperation, error) {
	return e.log.Enqueue(ctx, intent)
}

// ManualSync runs a cycle immediately, bypassing the interval timer. It
// still respects the single-flight guard: if a cycle is already running it
// returns ErrSyncInFlight and does not queue a second run.
func (e *Engine) ManualSync(ctx context.Context) (*SyncResult, error) {
	return e.coord.RunCycle(ctx)
}

// NetworkRegained tells the scheduler connectivity is back.
func (e *Engine) NetworkRegained() {
	e.sched.NetworkRegained()
}

// TriggerSync asks the scheduler for a prompt cycle without waiting for the
// result.
func (e *Engine) TriggerSync() {
	e.sched.TriggerNow()
}

// ResolveConflict consumes an open conflict. This is the only path by which
// a conflict is destroyed. It claims the coordinator's single-flight slot for
// its duration, so it is rejected while a cycle is running and a cycle
// triggered mid-resolution no-ops instead of racing the resolution's writes.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution) error {
	if !e.coord.beginExclusive() {
		return ErrSyncInFlight
	}
	defer e.coord.endExclusive()

	conflict, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}

	switch resolution.Kind {
	case ResolutionAcceptLocal:
		// Rebase the blocked operation on the remote version it lost to; it
		// replays on the next cycle.
		if err := e.log.SetBaseVersion(ctx, conflict.Table, conflict.RecordID, conflict.RemoteVersion); err != nil {
			return err
		}
		if err := e.log.Rebase(ctx, conflict.OperationID, conflict.RemoteVersion, nil); err != nil {
			return err
		}

	case ResolutionAcceptRemote:
		// Discard the blocked local operation; the remote version becomes
		// the new base for anything still queued behind it.
		if err := e.log.Remove(ctx, conflict.OperationID); err != nil {
			return err
		}
		if err := e.log.SetBaseVersion(ctx, conflict.Table, conflict.RecordID, conflict.RemoteVersion); err != nil {
			return err
		}

	case ResolutionMerge:
		if resolution.MergedPayload == nil {
			return fmt.Errorf("merge resolution requires a merged payload")
		}
		if err := e.log.SetBaseVersion(ctx, conflict.Table, conflict.RecordID, conflict.RemoteVersion); err != nil {
			return err
		}
		if err := e.log.Rebase(ctx, conflict.OperationID, conflict.RemoteVersion, resolution.MergedPayload); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution kind %q", resolution.Kind)
	}

	if err := e.conflicts.Delete(ctx, conflictID); err != nil {
		return err
	}
	e.logger.Info("conflict resolved",
		"conflict", conflictID, "table", conflict.Table, "record", conflict.RecordID,
		"resolution", resolution.Kind)
	return nil
}

// ClearOfflineData destructively drops every queued operation and open
// conflict. It backs the explicit user "discard offline data" action only and
// claims the coordinator's single-flight slot for its duration so it never
// clears entries a cycle is actively updating.
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	if !e.coord.beginExclusive() {
		return ErrSyncInFlight
	}
	defer e.coord.endExclusive()
	if err := e.log.Clear(ctx); err != nil {
		return err
	}
	if err := e.conflicts.Clear(ctx); err != nil {
		return err
	}
	e.logger.Info("offline data cleared")
	return nil
}

// PendingCount is the read model's count of not-yet-synced operations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.log.PendingCount(ctx)
}

// PendingOperations lists the queued operations for the detail view.
func (e *Engine) PendingOperations(ctx context.Context) ([]PendingOperation, error) {
	return e.log.ListPending(ctx)
}

// UnresolvedConflicts lists open conflicts for the detail view.
func (e *Engine) UnresolvedConflicts(ctx context.Context) ([]Conflict, error) {
	return e.conflicts.ListUnresolved(ctx)
}

// LastSyncResult returns the previous cycle's summary, or nil before the
// first completed cycle.
func (e *Engine) LastSyncResult() *SyncResult {
	return e.coord.LastResult()
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool {
	return e.coord.IsRunning()
}

// Subscribe registers an observer for sync lifecycle events.
func (e *Engine) Subscribe(fn func(Event)) Subscription {
	return e.notifier.Subscribe(fn)
}

// Unsubscribe removes an observer.
func (e *Engine) Unsubscribe(s Subscription) {
	e.notifier.Unsubscribe(s)
}
