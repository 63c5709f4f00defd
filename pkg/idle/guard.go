// Package idle provides a single-shot inactivity guard for live streams.
// The guard fires a caller-supplied callback after a configured period of
// silence and is reset on every observed event, so only a true gap in
// stream activity triggers it.
package idle

import (
	"sync"
	"time"
)

// Guard is a resettable single-shot idle timer. A zero timeout disables the
// guard entirely: Arm, Reset and Disarm become no-ops.
//
// The guard fires its callback at most once. After firing or disarming it is
// inert; further Reset calls do nothing. All methods are safe for concurrent
// use with the internal timer goroutine.
type Guard struct {
	mu        sync.Mutex
	timer     *time.Timer
	timeout   time.Duration
	deadline  time.Time
	onTimeout func()
	fired     bool
	disarmed  bool
}

// Arm creates a guard and starts its timer. The onTimeout callback is
// invoked from the timer goroutine exactly once if the timeout elapses
// without a Reset. A timeout <= 0 returns a disabled guard.
func Arm(timeout time.Duration, onTimeout func()) *Guard {
	g := &Guard{
		timeout:   timeout,
		onTimeout: onTimeout,
	}

	if timeout <= 0 {
		g.disarmed = true
		return g
	}

	g.deadline = time.Now().Add(timeout)
	g.timer = time.AfterFunc(timeout, g.fire)
	return g
}

// Reset restarts the countdown. Call it on every received stream event.
// A no-op once the guard has fired or been disarmed.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fired || g.disarmed {
		return
	}

	// Stop may return false when the timer already expired but fire is
	// still waiting on the mutex; fire re-checks the deadline so a stale
	// expiry cannot run the callback after a reset won the race.
	g.deadline = time.Now().Add(g.timeout)
	g.timer.Stop()
	g.timer.Reset(g.timeout)
}

// Disarm cancels the guard permanently. Idempotent; safe to call after the
// guard has fired.
func (g *Guard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.disarmed {
		return
	}

	g.disarmed = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

// Fired reports whether the idle timeout has fired.
func (g *Guard) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

// Timeout returns the configured idle timeout.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

func (g *Guard) fire() {
	g.mu.Lock()
	if g.fired || g.disarmed {
		g.mu.Unlock()
		return
	}
	if time.Now().Before(g.deadline) {
		// Stale expiry from before a Reset; the restarted timer will
		// call fire again if the new deadline passes.
		g.mu.Unlock()
		return
	}
	g.fired = true
	cb := g.onTimeout
	g.mu.Unlock()

	if cb != nil {
		cb()
	}
}
