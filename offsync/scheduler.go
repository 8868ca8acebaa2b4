// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Scheduler decides when the coordinator runs: on a fixed interval while
// online, on a network-regained signal, or on an explicit request. Aborted
// cycles back off exponentially with jitter up to a cap; any successful
// cycle resets the backoff to the base interval.
type Scheduler struct {
	coord  *Coordinator
	logger *slog.Logger

	interval   time.Duration
	backoffMin time.Duration
	backoffMax time.Duration

	manual   chan struct{}
	regained chan struct{}

	mu      sync.Mutex
	backoff time.Duration // zero while the last cycle succeeded
}

// NewScheduler creates a scheduler. interval is the steady-state period
// between cycles; backoffMin/backoffMax bound the retry delay after aborted
// cycles.
func NewScheduler(coord *Coordinator, interval, backoffMin, backoffMax time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		coord:      coord,
		logger:     logger,
		interval:   interval,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		manual:     make(chan struct{}, 1),
		regained:   make(chan struct{}, 1),
	}
}

// TriggerNow requests a cycle ahead of the interval timer. The request is
// coalesced if one is already queued, and the single-flight guard still
// applies when the cycle starts.
func (s *Scheduler) TriggerNow() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// NetworkRegained signals that connectivity came back; the scheduler resets
// its backoff and runs a cycle promptly.
func (s *Scheduler) NetworkRegained() {
	s.mu.Lock()
	s.backoff = 0
	s.mu.Unlock()
	select {
	case s.regained <- struct{}{}:
	default:
	}
}

// CurrentBackoff returns the un-jittered delay that will precede the next
// automatic retry, or zero when the scheduler is in steady state.
func (s *Scheduler) CurrentBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// Run drives cycles until ctx is cancelled. It owns a single goroutine-free
// loop; callers typically invoke it with `go sched.Run(ctx)`.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.manual:
			stopTimer(timer)
		case <-s.regained:
			stopTimer(timer)
		}

		_, err := s.coord.RunCycle(ctx)
		switch {
		case err == nil:
			s.mu.Lock()
			s.backoff = 0
			s.mu.Unlock()
			timer.Reset(s.interval)
		case errors.Is(err, ErrSyncInFlight):
			// A cycle is already running; try again on the next interval.
			timer.Reset(s.interval)
		default:
			delay := s.nextBackoff()
			s.logger.Info("sync cycle failed, backing off", "error", err, "delay", delay)
			timer.Reset(withJitter(delay))
		}
	}
}

// nextBackoff doubles the current backoff, starting at backoffMin and capped
// at backoffMax.
func (s *Scheduler) nextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == 0 {
		s.backoff = s.backoffMin
	} else {
		s.backoff *= 2
		if s.backoff > s.backoffMax {
			s.backoff = s.backoffMax
		}
	}
	return s.backoff
}

// withJitter spreads retries over [d/2, d) so stalled clients do not
// reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

// stopTimer stops a timer and drains its channel if it already fired.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
