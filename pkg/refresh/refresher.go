package refresh

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTick is the background refresher interval.
const DefaultTick = time.Minute

// ProactiveFunc checks one credential's expiry and enqueues a refresh if
// it is within the buffer. The rotator supplies this.
type ProactiveFunc func(ctx context.Context, id string)

// Refresher periodically sweeps every OAuth credential and triggers
// proactive refreshes for tokens nearing expiry.
type Refresher struct {
	cron  *cron.Cron
	tick  time.Duration
	ids   func() []string
	check ProactiveFunc
}

// NewRefresher builds a refresher over a credential id snapshot function
// and the proactive check. A non-positive tick uses DefaultTick.
func NewRefresher(tick time.Duration, ids func() []string, check ProactiveFunc) *Refresher {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Refresher{
		cron:  cron.New(),
		tick:  tick,
		ids:   ids,
		check: check,
	}
}

// Start schedules the sweep and begins ticking.
func (r *Refresher) Start() error {
	spec := fmt.Sprintf("@every %s", r.tick)
	if _, err := r.cron.AddFunc(spec, r.sweep); err != nil {
		return fmt.Errorf("schedule background refresher: %w", err)
	}
	r.cron.Start()
	log.Printf("refresh: background refresher started (tick %s)", r.tick)
	return nil
}

// Stop cancels the schedule and waits for an in-flight sweep, bounded by
// twice the tick interval.
func (r *Refresher) Stop() {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(2 * r.tick):
		log.Printf("refresh: background refresher stop timed out after %s", 2*r.tick)
	}
}

func (r *Refresher) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.tick)
	defer cancel()
	for _, id := range r.ids() {
		r.check(ctx, id)
	}
}
