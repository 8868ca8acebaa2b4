package offsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierPreservesOrderPerObserver(t *testing.T) {
	n := NewNotifier(16, nil)

	var collector eventCollector
	sub := n.Subscribe(collector.collect)
	defer n.Unsubscribe(sub)

	n.Publish(Event{Type: EventSyncStart})
	n.Publish(Event{Type: EventSyncProgress, Synced: 1})
	n.Publish(Event{Type: EventSyncProgress, Synced: 2})
	n.Publish(Event{Type: EventSyncComplete, Result: &SyncResult{Synced: 2}})

	require.Eventually(t, func() bool {
		return collector.count(EventSyncComplete) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []EventType{
		EventSyncStart, EventSyncProgress, EventSyncProgress, EventSyncComplete,
	}, collector.types())
}

func TestNotifierFanout(t *testing.T) {
	n := NewNotifier(16, nil)

	var a, b eventCollector
	subA := n.Subscribe(a.collect)
	defer n.Unsubscribe(subA)
	subB := n.Subscribe(b.collect)
	defer n.Unsubscribe(subB)

	n.Publish(Event{Type: EventSyncStart})

	require.Eventually(t, func() bool {
		return a.count(EventSyncStart) == 1 && b.count(EventSyncStart) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSlowObserverDoesNotBlockPublish(t *testing.T) {
	n := NewNotifier(1, nil)

	block := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	sub := n.Subscribe(func(Event) {
		once.Do(func() { close(started) })
		<-block
	})
	defer n.Unsubscribe(sub)

	n.Publish(Event{Type: EventSyncStart})
	<-started // observer is now stuck inside its handler

	// Fill the buffer and keep publishing; none of these may block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(Event{Type: EventSyncProgress, Synced: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
	close(block)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier(16, nil)

	var collector eventCollector
	sub := n.Subscribe(collector.collect)

	n.Publish(Event{Type: EventSyncStart})
	require.Eventually(t, func() bool {
		return collector.count(EventSyncStart) == 1
	}, time.Second, 5*time.Millisecond)

	n.Unsubscribe(sub)
	n.Unsubscribe(sub) // safe to call twice

	n.Publish(Event{Type: EventSyncError})
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, collector.count(EventSyncError))
}
