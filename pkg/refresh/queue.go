package refresh

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultUnavailableTTL reaps credentials stuck in the unavailable
	// set; DefaultIdleTimeout stops an idle worker.
	DefaultUnavailableTTL = 5 * time.Minute
	DefaultIdleTimeout    = time.Minute
)

// RefreshFunc performs the refresh for one credential. needsReauth is
// true when the enqueue was triggered by an upstream 401/403 and the
// refresh should escalate to interactive re-authorization on invalid
// grant. Failure bookkeeping (backoff) is the callee's responsibility.
type RefreshFunc func(ctx context.Context, id string, force, needsReauth bool) error

// ExpiredFunc reports whether a credential still needs the refresh at
// the moment the worker picks it up.
type ExpiredFunc func(id string) bool

type item struct {
	id          string
	force       bool
	needsReauth bool
}

// Queue serializes refreshes for one provider adapter. A single lazily
// started worker drains the queue, so concurrent refresh storms collapse
// into one attempt per credential and the backoff tracker has a single
// enforcement point.
type Queue struct {
	refresh RefreshFunc
	expired ExpiredFunc
	backoff *Backoff

	mu          sync.Mutex
	queued      map[string]bool
	unavailable map[string]time.Time
	running     bool
	items       chan item

	ttl     time.Duration
	idle    time.Duration
	now     func() time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewQueue creates a queue bound to a refresh function and its backoff
// tracker.
func NewQueue(refresh RefreshFunc, expired ExpiredFunc, backoff *Backoff) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		refresh:     refresh,
		expired:     expired,
		backoff:     backoff,
		queued:      make(map[string]bool),
		unavailable: make(map[string]time.Time),
		items:       make(chan item, 128),
		ttl:         DefaultUnavailableTTL,
		idle:        DefaultIdleTimeout,
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// SetClock overrides the time source, for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// SetIdleTimeout overrides the idle worker timeout, for tests.
func (q *Queue) SetIdleTimeout(d time.Duration) {
	q.mu.Lock()
	q.idle = d
	q.mu.Unlock()
}

// Enqueue submits a refresh request. Requests inside the credential's
// backoff window are dropped unless needsReauth is set (interactive
// re-auth must not be starved by automated-failure backoff). Requests
// for credentials already queued are dropped. Accepted requests mark the
// credential unavailable and start the worker if needed.
func (q *Queue) Enqueue(id string, force, needsReauth bool) {
	if !needsReauth && !q.backoff.Ready(id) {
		return
	}

	q.mu.Lock()
	if q.queued[id] {
		q.mu.Unlock()
		return
	}
	q.queued[id] = true
	q.unavailable[id] = q.now()
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	select {
	case q.items <- item{id: id, force: force, needsReauth: needsReauth}:
	default:
		// Dedup bounds the queue by credential count; a full channel
		// means shutdown raced an enqueue.
		q.mu.Lock()
		delete(q.queued, id)
		delete(q.unavailable, id)
		q.mu.Unlock()
		return
	}

	if start {
		go q.work()
	}
}

// IsAvailable reports whether the credential may be handed out by the
// rotator. A credential stuck in the unavailable set beyond the TTL is
// reaped here and becomes available again.
func (q *Queue) IsAvailable(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	marked, ok := q.unavailable[id]
	if !ok {
		return true
	}
	if age := q.now().Sub(marked); age > q.ttl {
		log.Printf("refresh: credential %s stuck unavailable for %s (ttl %s), auto-cleaning", id, age.Round(time.Second), q.ttl)
		delete(q.unavailable, id)
		return true
	}
	return false
}

// MarkUnavailable stamps a credential unavailable without queueing a
// refresh, used by the rotator for Retry-After windows.
func (q *Queue) MarkUnavailable(id string) {
	q.mu.Lock()
	q.unavailable[id] = q.now()
	q.mu.Unlock()
}

// MarkAvailable removes a credential from the unavailable set.
func (q *Queue) MarkAvailable(id string) {
	q.mu.Lock()
	delete(q.unavailable, id)
	q.mu.Unlock()
}

// Close stops the worker. Pending items are dropped.
func (q *Queue) Close() { q.cancel() }

func (q *Queue) work() {
	idleTimer := time.NewTimer(q.idleDuration())
	defer idleTimer.Stop()

	for {
		select {
		case it := <-q.items:
			q.process(it)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(q.idleDuration())

		case <-idleTimer.C:
			// Idle: nothing is refreshing, so any unavailable entry is
			// stale state. Clear both sets and exit; the next enqueue
			// re-spawns the worker.
			q.mu.Lock()
			if n := len(q.unavailable); n > 0 {
				log.Printf("refresh: worker idle, clearing %d stale unavailable entries", n)
			}
			q.unavailable = make(map[string]time.Time)
			q.queued = make(map[string]bool)
			q.running = false
			q.mu.Unlock()
			return

		case <-q.baseCtx.Done():
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) idleDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *Queue) process(it item) {
	defer func() {
		q.mu.Lock()
		delete(q.queued, it.id)
		delete(q.unavailable, it.id)
		q.mu.Unlock()
	}()

	// The need may have gone away between enqueue and pickup.
	if !it.force && q.expired != nil && !q.expired(it.id) {
		return
	}

	if err := q.refresh(q.baseCtx, it.id, it.force, it.needsReauth); err != nil {
		// Backoff was already updated by the refresh function; the
		// deferred cleanup still returns the credential to rotation so
		// the backoff window is the only suppression mechanism.
		log.Printf("refresh: %s failed: %v", it.id, err)
	}
}
