package offsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsToCapAndResets(t *testing.T) {
	s := NewScheduler(nil, time.Minute, time.Second, 8*time.Second, nil)

	var previous time.Duration
	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for _, want := range expected {
		got := s.nextBackoff()
		require.Equal(t, want, got)
		if previous < 8*time.Second {
			require.Greater(t, got, previous)
		}
		previous = got
	}

	s.NetworkRegained()
	require.Zero(t, s.CurrentBackoff())
	require.Equal(t, time.Second, s.nextBackoff())
}

func TestWithJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := withJitter(d)
		require.GreaterOrEqual(t, got, d/2)
		require.Less(t, got, d)
	}
	require.Equal(t, time.Duration(1), withJitter(1))
}

func TestOfflineManualAttemptsBackOffAndTouchNothing(t *testing.T) {
	// Remote offline for three consecutive manual attempts: each produces a
	// sync-error, no operation is mutated, and the retry backoff strictly
	// increases up to the cap.
	h := newHarness(t, 5)
	h.remote.pingErr = errors.New("dial tcp: network is unreachable")

	op := mustEnqueue(t, h.log, "recipes", "42", OpUpdate, `{"title":"A"}`)

	var collector eventCollector
	sub := h.notifier.Subscribe(collector.collect)
	defer h.notifier.Unsubscribe(sub)

	s := NewScheduler(h.coord, time.Minute, 10*time.Millisecond, 80*time.Millisecond, nil)

	ctx := context.Background()
	var delays []time.Duration
	for i := 0; i < 3; i++ {
		_, err := h.coord.RunCycle(ctx)
		require.ErrorIs(t, err, ErrOffline)
		delays = append(delays, s.nextBackoff())
	}

	require.Eventually(t, func() bool {
		return collector.count(EventSyncError) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, collector.count(EventSyncStart))

	require.Less(t, delays[0], delays[1])
	require.Less(t, delays[1], delays[2])
	require.LessOrEqual(t, delays[2], 80*time.Millisecond)

	got, err := h.log.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Zero(t, got.AttemptCount)
	require.False(t, got.Synced)
	require.Empty(t, got.LastError)
}

func TestSchedulerRunLoop(t *testing.T) {
	h := newHarness(t, 5)
	mustEnqueue(t, h.log, "recipes", "42", OpUpdate, `{"title":"A"}`)

	var collector eventCollector
	sub := h.notifier.Subscribe(collector.collect)
	defer h.notifier.Unsubscribe(sub)

	s := NewScheduler(h.coord, time.Hour, 10*time.Millisecond, 100*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Manual trigger bypasses the hour-long interval.
	s.TriggerNow()

	require.Eventually(t, func() bool {
		return collector.count(EventSyncComplete) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, s.CurrentBackoff())

	n, err := h.log.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSchedulerBacksOffWhileOffline(t *testing.T) {
	h := newHarness(t, 5)
	h.remote.pingErr = errors.New("offline")

	var collector eventCollector
	sub := h.notifier.Subscribe(collector.collect)
	defer h.notifier.Unsubscribe(sub)

	s := NewScheduler(h.coord, time.Hour, time.Millisecond, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.TriggerNow()

	// Aborted cycles retry on their own; backoff climbs to the cap.
	require.Eventually(t, func() bool {
		return collector.count(EventSyncError) >= 3 && s.CurrentBackoff() == 10*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)

	// Connectivity returns: backoff resets and the next cycle succeeds.
	h.remote.mu.Lock()
	h.remote.pingErr = nil
	h.remote.mu.Unlock()
	s.NetworkRegained()

	require.Eventually(t, func() bool {
		return collector.count(EventSyncComplete) >= 1
	}, 2*time.Second, 5*time.Millisecond)
}
