// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"log/slog"
	"sync"
)

// EventType identifies a sync lifecycle event.
type EventType string

const (
	EventSyncStart    EventType = "sync-start"
	EventSyncProgress EventType = "sync-progress"
	EventSyncComplete EventType = "sync-complete"
	EventSyncError    EventType = "sync-error"
)

// Event is one lifecycle notification. Progress events carry running counts;
// the terminal complete event carries the cycle's SyncResult.
type Event struct {
	Type   EventType
	Synced int         // running count, progress events
	Failed int         // running count, progress events
	Result *SyncResult // sync-complete only
	Err    error       // sync-error only
}

// Subscription identifies an observer for later removal.
type Subscription struct {
	id int64
}

// Notifier publishes lifecycle events to any number of observers. Each
// observer gets its own buffered channel drained by a dedicated goroutine,
// so event order is preserved per observer and a slow or failing observer
// never blocks the coordinator. Events to a full buffer are dropped.
type Notifier struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]*subscriber
	buffer int
	logger *slog.Logger
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewNotifier creates a notifier whose per-observer buffers hold up to
// buffer events; buffer <= 0 selects a default of 64.
func NewNotifier(buffer int, logger *slog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[int64]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers fn to receive events. Observers may be added at any
// time, including while a cycle is running.
func (n *Notifier) Subscribe(fn func(Event)) Subscription {
	sub := &subscriber{
		ch:   make(chan Event, n.buffer),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = sub
	n.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				fn(ev)
			case <-sub.done:
				// Drain anything already buffered before exiting.
				for {
					select {
					case ev := <-sub.ch:
						fn(ev)
					default:
						return
					}
				}
			}
		}
	}()

	return Subscription{id: id}
}

// Unsubscribe removes an observer. Safe to call twice.
func (n *Notifier) Unsubscribe(s Subscription) {
	n.mu.Lock()
	sub, ok := n.subs[s.id]
	if ok {
		delete(n.subs, s.id)
	}
	n.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish delivers an event to every observer's buffer without blocking.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	subs := make([]*subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			n.logger.Warn("dropping sync event for slow observer", "event", ev.Type)
		}
	}
}
