package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *fakeRemote) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	remote := newFakeRemote()
	engine, err := NewEngine(db, remote, &Config{
		SyncInterval: time.Hour,
		BackoffMin:   time.Millisecond,
		BackoffMax:   10 * time.Millisecond,
		MaxAttempts:  3,
		EventBuffer:  16,
	}, nil)
	require.NoError(t, err)
	return engine, remote
}

func TestEngineEnqueueAndManualSync(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "42", Op: OpUpdate, Payload: json.RawMessage(`{"title":"A"}`),
	})
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "42", Op: OpUpdate, Payload: json.RawMessage(`{"title":"B"}`),
	})
	require.NoError(t, err)

	n, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, engine.IsSyncing())
	require.Nil(t, engine.LastSyncResult())

	result, err := engine.ManualSync(ctx)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, result.Synced)

	n, err = engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, result, engine.LastSyncResult())
}

func TestClearOfflineDataRejectedWhileSyncing(t *testing.T) {
	engine, remote := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "42", Op: OpUpdate, Payload: json.RawMessage(`{"title":"A"}`),
	})
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	remote.applyFn = func(op *PendingOperation, baseVersion int64) (*ApplyResult, error) {
		once.Do(func() { close(entered) })
		<-release
		return &ApplyResult{Status: ApplyApplied, NewVersion: baseVersion + 1}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.ManualSync(ctx)
	}()
	<-entered

	require.True(t, engine.IsSyncing())
	require.ErrorIs(t, engine.ClearOfflineData(ctx), ErrSyncInFlight)

	// Log and conflict store are unchanged while the cycle is in flight.
	n, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	close(release)
	<-done

	require.NoError(t, engine.ClearOfflineData(ctx))
	n, err = engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestResolveAcceptLocalReplaysOperation(t *testing.T) {
	engine, remote := newTestEngine(t)
	ctx := context.Background()

	op, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "7", Op: OpUpdate, Payload: json.RawMessage(`{"title":"local"}`),
	})
	require.NoError(t, err)

	// Concurrent remote edit wins the first cycle.
	remote.bump("recipes", "7")
	result, err := engine.ManualSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)

	conflicts, err := engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	err = engine.ResolveConflict(ctx, conflicts[0].ID, Resolution{Kind: ResolutionAcceptLocal})
	require.NoError(t, err)

	conflicts, err = engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	// Rebased on the remote version, the local write now applies.
	result, err = engine.ManualSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.JSONEq(t, `{"title":"local"}`, string(remote.payloads[op.ID]))
	require.Equal(t, int64(2), remote.versions["recipes/7"])
}

func TestResolveAcceptRemoteDiscardsOperation(t *testing.T) {
	engine, remote := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "7", Op: OpUpdate, Payload: json.RawMessage(`{"title":"local"}`),
	})
	require.NoError(t, err)

	remote.bump("recipes", "7")
	_, err = engine.ManualSync(ctx)
	require.NoError(t, err)

	conflicts, err := engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	err = engine.ResolveConflict(ctx, conflicts[0].ID, Resolution{Kind: ResolutionAcceptRemote})
	require.NoError(t, err)

	n, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// The remote version became the new base: a later local edit applies
	// cleanly.
	_, err = engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "7", Op: OpUpdate, Payload: json.RawMessage(`{"title":"later"}`),
	})
	require.NoError(t, err)
	result, err := engine.ManualSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)
	require.Zero(t, result.Conflicts)
}

func TestResolveMergeUploadsMergedPayload(t *testing.T) {
	engine, remote := newTestEngine(t)
	ctx := context.Background()

	op, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "7", Op: OpUpdate, Payload: json.RawMessage(`{"title":"local"}`),
	})
	require.NoError(t, err)

	remote.bump("recipes", "7")
	_, err = engine.ManualSync(ctx)
	require.NoError(t, err)

	conflicts, err := engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// Merge semantics belong to the caller; the engine just replays the
	// merged body.
	merged := json.RawMessage(`{"title":"local+remote"}`)
	err = engine.ResolveConflict(ctx, conflicts[0].ID, Resolution{Kind: ResolutionMerge, MergedPayload: merged})
	require.NoError(t, err)

	result, err := engine.ManualSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Synced)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.JSONEq(t, string(merged), string(remote.payloads[op.ID]))
}

func TestResolveMergeRequiresPayload(t *testing.T) {
	engine, remote := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "7", Op: OpUpdate, Payload: json.RawMessage(`{"title":"local"}`),
	})
	require.NoError(t, err)
	remote.bump("recipes", "7")
	_, err = engine.ManualSync(ctx)
	require.NoError(t, err)

	conflicts, err := engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	err = engine.ResolveConflict(ctx, conflicts[0].ID, Resolution{Kind: ResolutionMerge})
	require.Error(t, err)

	// Conflict still open after the failed resolution.
	conflicts, err = engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}

func TestResolutionExcludesConcurrentCycles(t *testing.T) {
	// Resolution and a cycle share the single-flight slot, so a cycle firing
	// mid-resolution can never snapshot the pre-merge payload and apply it.
	engine, remote := newTestEngine(t)
	ctx := context.Background()

	op, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "7", Op: OpUpdate, Payload: json.RawMessage(`{"title":"local"}`),
	})
	require.NoError(t, err)
	remote.bump("recipes", "7")
	_, err = engine.ManualSync(ctx)
	require.NoError(t, err)

	conflicts, err := engine.UnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	merged := json.RawMessage(`{"title":"merged"}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = engine.ManualSync(ctx)
		}
	}()

	for {
		err := engine.ResolveConflict(ctx, conflicts[0].ID, Resolution{Kind: ResolutionMerge, MergedPayload: merged})
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrSyncInFlight)
	}
	<-done

	for {
		n, err := engine.PendingCount(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		if _, err := engine.ManualSync(ctx); err != nil {
			require.ErrorIs(t, err, ErrSyncInFlight)
		}
	}

	// The write that finally landed carries the merged body, never the stale
	// pre-merge snapshot.
	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.JSONEq(t, string(merged), string(remote.payloads[op.ID]))
	require.Equal(t, int64(2), remote.versions["recipes/7"])
}

func TestResolveUnknownConflict(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.ResolveConflict(context.Background(), "no-such-id", Resolution{Kind: ResolutionAcceptRemote})
	require.ErrorIs(t, err, ErrConflictNotFound)
}

func TestEngineEventsReachSubscribers(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	var collector eventCollector
	sub := engine.Subscribe(collector.collect)
	defer engine.Unsubscribe(sub)

	_, err := engine.Enqueue(ctx, MutationIntent{
		Table: "recipes", RecordID: "42", Op: OpCreate, Payload: json.RawMessage(`{"title":"A"}`),
	})
	require.NoError(t, err)

	_, err = engine.ManualSync(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.count(EventSyncComplete) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, collector.count(EventSyncStart))
}
