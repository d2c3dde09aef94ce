package service

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidInterval rejects non-positive or too small refresh intervals
// before any scheduler state is touched.
var ErrInvalidInterval = errors.New("refresh interval must be positive")

// scheduler owns the shared cadence of one connection's repeating actions.
// Both the snapshot poll and the speed sample derive their period from it;
// reconfiguration wakes every waiter so that no action keeps ticking at the
// old interval. There is exactly one pending timer per waiter at any instant.
type scheduler struct {
	mu       sync.RWMutex
	interval time.Duration
	min      time.Duration
	waiters  []chan struct{}
}

func newScheduler(interval, min time.Duration) *scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &scheduler{interval: interval, min: min}
}

// Interval returns the currently configured period.
func (s *scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// Reconfigure atomically replaces the period for all waiters. The old pending
// timers are abandoned on wake-up, so a partial swap cannot occur.
func (s *scheduler) Reconfigure(interval time.Duration) error {
	if interval <= 0 || interval < s.min {
		return ErrInvalidInterval
	}
	s.mu.Lock()
	if s.interval == interval {
		s.mu.Unlock()
		return nil
	}
	s.interval = interval
	waiters := make([]chan struct{}, len(s.waiters))
	copy(waiters, s.waiters)
	s.mu.Unlock()
	for _, waiter := range waiters {
		signal(waiter)
	}
	return nil
}

// waiter returns a wake-up channel bound to this scheduler. Each repeating
// action holds its own waiter.
func (s *scheduler) waiter() *tick {
	notify := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters = append(s.waiters, notify)
	s.mu.Unlock()
	return &tick{sched: s, notify: notify}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// tick blocks one repeating action between runs.
type tick struct {
	sched  *scheduler
	notify chan struct{}
}

// Wait blocks until the current interval elapses. A reconfiguration restarts
// the wait with the new interval; a signal on wake ends the wait early for an
// out-of-cycle run; cancellation returns the context error.
func (t *tick) Wait(ctx context.Context, wake <-chan struct{}) error {
	for {
		timer := time.NewTimer(t.sched.Interval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-wake:
			if !timer.Stop() {
				<-timer.C
			}
			return nil
		case <-t.notify:
			if !timer.Stop() {
				<-timer.C
			}
			continue
		}
	}
}
