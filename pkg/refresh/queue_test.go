package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRefresh records concurrency and call counts.
type countingRefresh struct {
	mu       sync.Mutex
	calls    int
	inFlight int32
	maxSeen  int32
	block    chan struct{}
	err      error
}

func (c *countingRefresh) fn(_ context.Context, _ string, _, _ bool) error {
	cur := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&c.maxSeen, max, cur) {
			break
		}
	}
	if c.block != nil {
		<-c.block
	}
	atomic.AddInt32(&c.inFlight, -1)
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.err
}

func (c *countingRefresh) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueProcessesAndMarksAvailable(t *testing.T) {
	r := &countingRefresh{}
	q := NewQueue(r.fn, func(string) bool { return true }, NewBackoff())
	defer q.Close()

	q.Enqueue("cred", false, false)
	assert.False(t, q.IsAvailable("cred"))

	waitFor(t, func() bool { return r.callCount() == 1 })
	waitFor(t, func() bool { return q.IsAvailable("cred") })
}

func TestQueueSerializesRefreshes(t *testing.T) {
	r := &countingRefresh{block: make(chan struct{})}
	q := NewQueue(r.fn, func(string) bool { return true }, NewBackoff())
	defer q.Close()

	for i := 0; i < 3; i++ {
		q.Enqueue("a", true, false)
		q.Enqueue("b", true, false)
		q.Enqueue("c", true, false)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&r.inFlight) == 1 })
	close(r.block)

	waitFor(t, func() bool { return r.callCount() == 3 })
	// At most one refresh ran at any moment.
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.maxSeen))
}

func TestQueueDropsDuplicateEnqueues(t *testing.T) {
	r := &countingRefresh{block: make(chan struct{})}
	q := NewQueue(r.fn, func(string) bool { return true }, NewBackoff())
	defer q.Close()

	q.Enqueue("cred", true, false)
	q.Enqueue("cred", true, false)
	q.Enqueue("cred", true, false)
	close(r.block)

	waitFor(t, func() bool { return r.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, r.callCount())
}

func TestQueueRespectsBackoffWindow(t *testing.T) {
	backoff := NewBackoff()
	backoff.Failure("cred") // opens a suppression window

	r := &countingRefresh{}
	q := NewQueue(r.fn, func(string) bool { return true }, backoff)
	defer q.Close()

	// Automated enqueues inside the window are silent no-ops.
	q.Enqueue("cred", false, false)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, r.callCount())
	assert.True(t, q.IsAvailable("cred"))

	// A reactive re-auth enqueue bypasses the window.
	q.Enqueue("cred", true, true)
	waitFor(t, func() bool { return r.callCount() == 1 })
}

func TestQueueSkipsNoLongerExpired(t *testing.T) {
	r := &countingRefresh{}
	q := NewQueue(r.fn, func(string) bool { return false }, NewBackoff())
	defer q.Close()

	q.Enqueue("cred", false, false)
	waitFor(t, func() bool { return q.IsAvailable("cred") })
	assert.Equal(t, 0, r.callCount())
}

func TestQueueTTLReapsStuckCredential(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	q := NewQueue(func(context.Context, string, bool, bool) error { return nil }, nil, NewBackoff())
	defer q.Close()
	q.SetClock(clock)

	q.MarkUnavailable("cred")
	assert.False(t, q.IsAvailable("cred"))

	mu.Lock()
	now = now.Add(DefaultUnavailableTTL + time.Second)
	mu.Unlock()

	// The availability check itself reaps the stale entry.
	assert.True(t, q.IsAvailable("cred"))
	assert.True(t, q.IsAvailable("cred"))
}

func TestQueueIdleWorkerClearsState(t *testing.T) {
	r := &countingRefresh{err: errors.New("boom")}
	backoff := NewBackoff()
	q := NewQueue(r.fn, func(string) bool { return true }, backoff)
	defer q.Close()
	q.SetIdleTimeout(30 * time.Millisecond)

	q.Enqueue("cred", true, false)
	waitFor(t, func() bool { return r.callCount() == 1 })

	// After the idle timeout the worker exits and clears both sets; a
	// fresh enqueue restarts it.
	time.Sleep(100 * time.Millisecond)
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	require.False(t, running)

	q.Enqueue("cred", true, true)
	waitFor(t, func() bool { return r.callCount() == 2 })
}
