// Package throttle provides a generic coalescing scheduler for rate-limited
// side effects. Rapid calls for the same key collapse into a single
// trailing-edge execution per interval, which keeps high-frequency streaming
// updates from amplifying into one persistence write per delta.
package throttle

import (
	"sync"
	"time"
)

// DefaultInterval is the coalescing window applied by New.
const DefaultInterval = 150 * time.Millisecond

type pending struct {
	timer *time.Timer
	flush func()
}

// Scheduler coalesces scheduled functions per key. The first Schedule for a
// key arms a trailing-edge timer; later Schedules within the window replace
// the stored function without re-arming, so exactly one execution runs per
// window carrying the most recent state. Safe for concurrent use.
type Scheduler[K comparable] struct {
	mu       sync.Mutex
	interval time.Duration
	entries  map[K]*pending
	closed   bool
}

// New creates a scheduler with DefaultInterval.
func New[K comparable]() *Scheduler[K] {
	return NewWithInterval[K](DefaultInterval)
}

// NewWithInterval creates a scheduler with an explicit coalescing window.
// A non-positive interval falls back to DefaultInterval so a zero-valued
// configuration can never disable coalescing.
func NewWithInterval[K comparable](interval time.Duration) *Scheduler[K] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler[K]{
		interval: interval,
		entries:  make(map[K]*pending),
	}
}

// Schedule enqueues flush for key. If a flush is already pending for the
// key, the stored function is replaced and the existing timer continues,
// producing at most one execution per window. A closed scheduler drops the
// call silently.
func (s *Scheduler[K]) Schedule(key K, flush func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if p, ok := s.entries[key]; ok {
		p.flush = flush
		return
	}

	p := &pending{flush: flush}
	p.timer = time.AfterFunc(s.interval, func() {
		s.run(key)
	})
	s.entries[key] = p
}

// FlushNow cancels any pending timer for key and executes the most recently
// scheduled function synchronously. A no-op when nothing is pending.
func (s *Scheduler[K]) FlushNow(key K) {
	s.mu.Lock()
	p, ok := s.entries[key]
	if ok {
		p.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		p.flush()
	}
}

// Cancel drops any pending flush for key without executing it.
func (s *Scheduler[K]) Cancel(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.entries[key]; ok {
		p.timer.Stop()
		delete(s.entries, key)
	}
}

// Pending reports whether a flush is currently queued for key.
func (s *Scheduler[K]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Close cancels all pending flushes and rejects further scheduling.
// Idempotent; callable from multiple cleanup paths.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for key, p := range s.entries {
		p.timer.Stop()
		delete(s.entries, key)
	}
}

// run executes the pending flush for key from the timer goroutine.
func (s *Scheduler[K]) run(key K) {
	s.mu.Lock()
	p, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	closed := s.closed
	s.mu.Unlock()

	if !ok || closed {
		return
	}
	p.flush()
}
