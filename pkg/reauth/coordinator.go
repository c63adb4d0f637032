// Package reauth serializes interactive OAuth re-authorization flows.
// At most one device-code flow runs process-wide; concurrent requests
// for the same credential join the in-flight flow instead of starting a
// second one.
package reauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
)

// DefaultTimeout bounds how long a user has to complete a flow.
const DefaultTimeout = 5 * time.Minute

// ErrTimeout is returned when the interactive flow did not complete in
// time. ErrCancelled is returned when the caller's context was cancelled
// while waiting.
var (
	ErrTimeout   = errors.New("re-authorization timed out")
	ErrCancelled = errors.New("re-authorization cancelled")
)

// Func performs one interactive re-authorization and returns the new
// credential document.
type Func func(ctx context.Context) (*credential.Document, error)

type flight struct {
	done chan struct{}
	doc  *credential.Document
	err  error
}

// Coordinator is the process-wide gate. The zero value is not usable;
// construct with NewCoordinator and inject one instance into every
// provider adapter.
type Coordinator struct {
	mu       sync.Mutex
	inflight map[string]*flight

	// interactive is held for the duration of each flow so only one
	// browser/console interaction exists at a time.
	interactive sync.Mutex
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{inflight: make(map[string]*flight)}
}

// Execute runs fn under the global interactive gate. reauthID identifies
// the credential (provider + basename); a second caller with the same id
// while a flow is running waits for that flow's result instead of
// launching another. A non-positive timeout uses DefaultTimeout.
func (c *Coordinator) Execute(ctx context.Context, reauthID string, timeout time.Duration, fn Func) (*credential.Document, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	if f, ok := c.inflight[reauthID]; ok {
		c.mu.Unlock()
		log.Printf("reauth: %s already in progress, joining", reauthID)
		return c.wait(ctx, f, timeout)
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[reauthID] = f
	c.mu.Unlock()

	go c.run(reauthID, f, timeout, fn)
	return c.wait(ctx, f, timeout)
}

func (c *Coordinator) run(reauthID string, f *flight, timeout time.Duration, fn Func) {
	c.interactive.Lock()
	defer c.interactive.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	doc, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s", ErrTimeout, reauthID)
	}
	f.doc, f.err = doc, err

	c.mu.Lock()
	delete(c.inflight, reauthID)
	c.mu.Unlock()
	close(f.done)

	if err != nil {
		log.Printf("reauth: %s failed: %v", reauthID, err)
	} else {
		log.Printf("reauth: %s completed", reauthID)
	}
}

func (c *Coordinator) wait(ctx context.Context, f *flight, timeout time.Duration) (*credential.Document, error) {
	select {
	case <-f.done:
		return f.doc, f.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Active reports how many flows are currently in flight, for tests and
// health reporting.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
