// Package refresh contains the per-provider refresh queue, the failure
// backoff tracker, and the periodic background refresher.
package refresh

import (
	"sync"
	"time"
)

const (
	backoffBase = 30 * time.Second
	backoffMax  = 5 * time.Minute
)

// Backoff tracks consecutive refresh failures per credential and
// suppresses retries for min(300, 30*2^F) seconds after the Fth failure.
type Backoff struct {
	mu        sync.Mutex
	failures  map[string]int
	notBefore map[string]time.Time
	now       func() time.Time
}

// NewBackoff creates an empty tracker.
func NewBackoff() *Backoff {
	return &Backoff{
		failures:  make(map[string]int),
		notBefore: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (b *Backoff) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Failure records an unsuccessful refresh and returns the suppression
// window applied before the next attempt.
func (b *Backoff) Failure(id string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[id]++
	// min(300, 30*2^F) seconds after the Fth consecutive failure.
	f := b.failures[id]
	if f > 4 {
		f = 4
	}
	window := backoffBase << uint(f) // #nosec G115 -- capped above
	if window > backoffMax {
		window = backoffMax
	}
	b.notBefore[id] = b.now().Add(window)
	return window
}

// Success clears the failure count and the suppression timer.
func (b *Backoff) Success(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, id)
	delete(b.notBefore, id)
}

// Ready reports whether a refresh for the credential may be attempted.
func (b *Backoff) Ready(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.notBefore[id]
	if !ok {
		return true
	}
	return !b.now().Before(until)
}

// Failures returns the consecutive failure count for a credential.
func (b *Backoff) Failures(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[id]
}

// NotBefore returns the earliest time the next attempt is allowed, and
// whether a window is active.
func (b *Backoff) NotBefore(id string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.notBefore[id]
	return t, ok
}
