// Package ratelimit implements sliding-window admission control for the
// broker API client.
//
// The broker enforces per-second transaction caps that differ between the
// live and mock environments. Acquire blocks until a slot in the window is
// free, so bursts from the trading cycle are smoothed instead of rejected.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most capacity calls per window. All access goes through
// a mutex; Acquire blocks until admission is possible or ctx is cancelled.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	stamps   []time.Time

	statuses map[int]int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter admitting capacity calls per window.
func New(capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		capacity: capacity,
		window:   window,
		stamps:   make([]time.Time, 0, capacity),
		statuses: make(map[int]int),
		now:      time.Now,
	}
}

// Acquire blocks until a request may proceed. After it returns nil, every
// recorded timestamp lies within (now-window, now] and at most capacity
// timestamps are recorded.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.stamps) < l.capacity {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		// Window full: wait until the oldest stamp leaves it.
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops timestamps older than now-window. Caller holds the mutex.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// RecordStatus counts the HTTP status of a completed call. The limiter only
// observes; it never retries.
func (l *Limiter) RecordStatus(code int) {
	l.mu.Lock()
	l.statuses[code]++
	l.mu.Unlock()
}

// Stats returns a copy of the per-status counters.
func (l *Limiter) Stats() map[int]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]int, len(l.statuses))
	for k, v := range l.statuses {
		out[k] = v
	}
	return out
}

// InFlight returns the number of admissions still inside the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// Defaults per environment: the mock API allows one call per two seconds,
// the live API two calls per second.
const (
	PaperCapacity = 1
	LiveCapacity  = 2
)

// PaperWindow and LiveWindow are the matching window durations.
const (
	PaperWindow = 2 * time.Second
	LiveWindow  = time.Second
)

// ForKind returns a limiter tuned to the environment's published limits.
func ForKind(live bool) *Limiter {
	if live {
		return New(LiveCapacity, LiveWindow)
	}
	return New(PaperCapacity, PaperWindow)
}
