// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Coordinator drains the operation log, submits operations to the remote
// store and classifies outcomes. One cycle runs Idle -> Running ->
// {Completed, Aborted}; at most one cycle is Running at any time.
type Coordinator struct {
	log       *OperationLog
	conflicts *ConflictStore
	remote    RemoteClient
	notifier  *Notifier
	logger    *slog.Logger

	maxAttempts int

	// Single-flight guard. An in-memory flag rather than a store lock so
	// enqueue stays possible while a cycle is running.
	running atomic.Int32

	mu         sync.Mutex
	lastResult *SyncResult
}

// NewCoordinator wires a coordinator over the shared stores. maxAttempts is
// the retry ceiling after which an operation is surfaced as a hard failure
// while remaining queued.
func NewCoordinator(log *OperationLog, conflicts *ConflictStore, remote RemoteClient, notifier *Notifier, maxAttempts int, logger *slog.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		log:         log,
		conflicts:   conflicts,
		remote:      remote,
		notifier:    notifier,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// IsRunning reports whether a cycle is currently in flight.
func (c *Coordinator) IsRunning() bool {
	return c.running.Load() == 1
}

// beginExclusive claims the single-flight slot shared by cycles and the
// engine's resolution/clear actions. Claiming it outside a cycle keeps those
// actions and a concurrently triggered cycle from mutating the same rows: a
// trigger arriving mid-action sees the slot taken and no-ops.
func (c *Coordinator) beginExclusive() bool {
	return c.running.CompareAndSwap(0, 1)
}

func (c *Coordinator) endExclusive() {
	c.running.Store(0)
}

// LastResult returns the most recent cycle summary, or nil before the first
// completed cycle.
func (c *Coordinator) LastResult() *SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// recordGroup is the ordered slice of pending operations for one record.
type recordGroup struct {
	table    string
	recordID string
	ops      []PendingOperation
}

// groupByRecord partitions the snapshot by (table, record), preserving id
// order within each group and ordering groups by their lowest id.
func groupByRecord(ops []PendingOperation) []recordGroup {
	index := make(map[string]int)
	var groups []recordGroup
	for _, op := range ops {
		key := op.Table + "\x00" + op.RecordID
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, recordGroup{table: op.Table, recordID: op.RecordID})
		}
		groups[i].ops = append(groups[i].ops, op)
	}
	return groups
}

// RunCycle executes one sync cycle. If a cycle is already running it returns
// ErrSyncInFlight without starting a second one; it does not cancel or queue
// another run. An unreachable remote aborts the cycle before any operation
// is touched and returns ErrOffline so the scheduler can back off.
func (c *Coordinator) RunCycle(ctx context.Context) (*SyncResult, error) {
	if !c.beginExclusive() {
		return nil, ErrSyncInFlight
	}
	defer c.endExclusive()

	startedAt := time.Now().UTC()
	c.notifier.Publish(Event{Type: EventSyncStart})

	// Abort path: no connectivity means no operation is marked at all.
	if err := c.remote.Ping(ctx); err != nil {
		c.logger.Info("sync cycle aborted, remote unreachable", "error", err)
		c.notifier.Publish(Event{Type: EventSyncError, Err: ErrOffline})
		return nil, ErrOffline
	}

	result, err := c.drain(ctx, startedAt)
	if err != nil {
		c.notifier.Publish(Event{Type: EventSyncError, Err: err})
		return nil, err
	}

	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()

	c.notifier.Publish(Event{Type: EventSyncComplete, Result: result})
	return result, nil
}

// drain processes the snapshot group by group. Within a group operations run
// strictly in id order; a conflict or failure stops the group for this cycle
// and processing continues with the next group.
func (c *Coordinator) drain(ctx context.Context, startedAt time.Time) (*SyncResult, error) {
	snapshot, err := c.log.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{StartedAt: startedAt}

	for _, group := range groupByRecord(snapshot) {
		held, err := c.conflicts.HasConflict(ctx, group.table, group.recordID)
		if err != nil {
			return nil, err
		}
		if held {
			// New local mutations for a conflicted record keep queuing but
			// are never auto-applied until the conflict is resolved.
			c.logger.Debug("holding group behind unresolved conflict",
				"table", group.table, "record", group.recordID, "queued", len(group.ops))
			continue
		}

		if err := c.processGroup(ctx, group, result); err != nil {
			return nil, err
		}

		c.notifier.Publish(Event{Type: EventSyncProgress, Synced: result.Synced, Failed: result.Failed})
	}

	if err := c.log.CompactSynced(ctx); err != nil {
		return nil, err
	}

	result.CompletedAt = time.Now().UTC()
	result.Success = result.Failed == 0
	c.logger.Info("sync cycle completed",
		"synced", result.Synced, "failed", result.Failed, "conflicts", result.Conflicts)
	return result, nil
}

// processGroup replays one record's operations until the group is drained or
// hits its per-cycle stopping point. Only remote outcomes stop a group;
// store write failures abort the whole cycle.
func (c *Coordinator) processGroup(ctx context.Context, group recordGroup, result *SyncResult) error {
	for i := range group.ops {
		op := &group.ops[i]

		if op.NoRetry {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf(
				"%s/%s #%d: rejected by remote: %s", op.Table, op.RecordID, op.ID, op.LastError))
			return nil
		}
		if op.AttemptCount >= c.maxAttempts {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf(
				"%s/%s #%d: retry ceiling reached after %d attempts: %s",
				op.Table, op.RecordID, op.ID, op.AttemptCount, op.LastError))
			return nil
		}

		baseVersion, err := c.log.BaseVersion(ctx, op.Table, op.RecordID)
		if err != nil {
			return err
		}

		res, err := c.remote.Apply(ctx, op, baseVersion)
		switch {
		case errors.Is(err, ErrUnauthorized):
			// Stale credentials fail every operation the same way; abort the
			// cycle without marking anything so a re-auth retries cleanly.
			return err

		case err != nil && IsPermanent(err):
			if markErr := c.log.MarkRejected(ctx, op.ID, err.Error()); markErr != nil {
				return markErr
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf(
				"%s/%s #%d: %v", op.Table, op.RecordID, op.ID, err))
			return nil

		case err != nil:
			// Transient: preserve ordering by not skipping ahead in this group.
			if markErr := c.log.MarkFailed(ctx, op.ID, op.AttemptCount+1, err); markErr != nil {
				return markErr
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf(
				"%s/%s #%d: %v", op.Table, op.RecordID, op.ID, err))
			c.logger.Debug("transient failure, group deferred to next cycle",
				"table", op.Table, "record", op.RecordID, "attempt", op.AttemptCount+1)
			return nil

		case res == nil:
			return fmt.Errorf("remote returned no apply result for %s/%s #%d", op.Table, op.RecordID, op.ID)

		case res.Status == ApplyConflict:
			// Remaining queued operations for this record stay pending,
			// untouched. The conflict is surfaced for manual resolution and
			// never auto-resolved.
			if _, confErr := c.conflicts.Record(ctx, op, res.RemoteSnapshot, res.RemoteVersion); confErr != nil {
				return confErr
			}
			result.Conflicts++
			c.logger.Info("conflict detected",
				"table", op.Table, "record", op.RecordID, "operation", op.ID)
			return nil

		case res.Status == ApplyApplied:
			if err := c.log.MarkSynced(ctx, op.ID); err != nil {
				return err
			}
			if op.Op == OpDelete {
				if err := c.log.DropRecordMeta(ctx, op.Table, op.RecordID); err != nil {
					return err
				}
			} else {
				if err := c.log.SetBaseVersion(ctx, op.Table, op.RecordID, res.NewVersion); err != nil {
					return err
				}
			}
			result.Synced++

		default:
			return fmt.Errorf("remote returned unknown apply status %q", res.Status)
		}
	}
	return nil
}
