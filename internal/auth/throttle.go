// ABOUTME: Per-peer exponential backoff for failed operator logins
// ABOUTME: Memory only; records decay after a period without failures

package auth

import (
	"sync"
	"time"
)

type peerRecord struct {
	failures int
	lastFail time.Time
}

// Throttle tracks failed logins per peer address. It never locks out an
// operator name, only the address the failures came from.
type Throttle struct {
	mu      sync.Mutex
	records map[string]*peerRecord

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	DecayAfter time.Duration

	now func() time.Time
}

// NewThrottle creates a Throttle with 1s base delay, 60s cap and 15m decay.
func NewThrottle() *Throttle {
	return &Throttle{
		records:    make(map[string]*peerRecord),
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		DecayAfter: 15 * time.Minute,
		now:        time.Now,
	}
}

// RetryAfter returns how long peer must wait before its next attempt, or 0.
func (t *Throttle) RetryAfter(peer string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[peer]
	if !ok {
		return 0
	}
	now := t.now()
	if now.Sub(rec.lastFail) > t.DecayAfter {
		delete(t.records, peer)
		return 0
	}
	wait := rec.lastFail.Add(t.delay(rec.failures)).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Failure records a failed attempt.
func (t *Throttle) Failure(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[peer]
	if !ok {
		rec = &peerRecord{}
		t.records[peer] = rec
	}
	rec.failures++
	rec.lastFail = t.now()
}

// Success clears the peer's record.
func (t *Throttle) Success(peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, peer)
}

// Prune drops records older than DecayAfter.
func (t *Throttle) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for peer, rec := range t.records {
		if now.Sub(rec.lastFail) > t.DecayAfter {
			delete(t.records, peer)
		}
	}
}

// delay is BaseDelay * 2^(failures-1), capped at MaxDelay.
func (t *Throttle) delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := t.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d > t.MaxDelay {
			return t.MaxDelay
		}
	}
	return d
}
