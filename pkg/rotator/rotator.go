// Package rotator selects one viable credential per request, enforces
// per-credential concurrency caps, and maps upstream failures to
// rotation decisions.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
	"github.com/berthojoris/llm-rotator-proxy/pkg/providers"
	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

const (
	// DefaultAcquireTimeout bounds the wait for a free semaphore slot;
	// DefaultMaxAttempts bounds credential failover per request.
	DefaultAcquireTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3

	defaultRetryAfter = time.Minute
	availPollInterval = 100 * time.Millisecond
)

// entry tracks one credential's rotation state.
type entry struct {
	cred     *credential.Credential
	sem      *semaphore.Weighted
	seq      int
	lastUsed time.Time
	// cooldownUntil implements upstream Retry-After windows. Guarded by
	// the client mutex, separately from the refresh queue's sets.
	cooldownUntil time.Time
}

// rotationID returns the identifier shared with the adapter's refresh
// queue: the source for OAuth credentials, the stable ID otherwise.
func (e *entry) rotationID() string {
	if e.cred.IsOAuth() {
		return e.cred.Source
	}
	return e.cred.ID
}

// Options configures the rotating client.
type Options struct {
	AcquireTimeout time.Duration
	MaxAttempts    int
	// ConcurrencyFor returns the per-credential in-flight cap for a
	// provider (MAX_CONCURRENT_REQUESTS_PER_KEY_{PROVIDER}, default 1).
	ConcurrencyFor func(provider string) int64
	// RateLimitFor returns an optional client-side request limiter for
	// a provider. Nil disables limiting.
	RateLimitFor func(provider string) *rate.Limiter
}

// Client is the rotating client. It holds a shared immutable view of
// the credential registry and borrows (base URL, token) snapshots from
// the provider adapters per request.
type Client struct {
	mu       sync.Mutex
	auths    map[string]providers.Auth
	entries  map[string][]*entry
	limiters map[string]*rate.Limiter
	upstream Upstream

	acquireTimeout time.Duration
	maxAttempts    int
	now            func() time.Time
}

// New builds a client over the discovered credentials and their
// adapters.
func New(creds map[string][]*credential.Credential, auths map[string]providers.Auth, upstream Upstream, opts Options) *Client {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	c := &Client{
		auths:          auths,
		entries:        make(map[string][]*entry),
		limiters:       make(map[string]*rate.Limiter),
		upstream:       upstream,
		acquireTimeout: opts.AcquireTimeout,
		maxAttempts:    opts.MaxAttempts,
		now:            time.Now,
	}
	for provider, list := range creds {
		limit := int64(1)
		if opts.ConcurrencyFor != nil {
			if n := opts.ConcurrencyFor(provider); n > 0 {
				limit = n
			}
		}
		for i, cred := range list {
			c.entries[provider] = append(c.entries[provider], &entry{
				cred: cred,
				sem:  semaphore.NewWeighted(limit),
				seq:  i,
			})
		}
		if opts.RateLimitFor != nil {
			if l := opts.RateLimitFor(provider); l != nil {
				c.limiters[provider] = l
			}
		}
	}
	return c
}

// Providers returns the provider names with at least one credential.
func (c *Client) Providers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// OAuthCredentialSources returns every OAuth credential source, for the
// background refresher sweep.
func (c *Client) OAuthCredentialSources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, list := range c.entries {
		for _, e := range list {
			if e.cred.IsOAuth() {
				out = append(out, e.cred.Provider+"\x00"+e.cred.Source)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ProactivelyRefresh routes a background-refresher check to the
// credential's adapter.
func (c *Client) ProactivelyRefresh(ctx context.Context, id string) {
	provider, source, ok := strings.Cut(id, "\x00")
	if !ok {
		return
	}
	c.mu.Lock()
	auth := c.auths[provider]
	c.mu.Unlock()
	if auth != nil {
		auth.ProactivelyRefresh(ctx, source)
	}
}

// SplitModel separates the "provider/model" form used on the proxy
// surface.
func SplitModel(model string) (provider, rest string, err error) {
	provider, rest, ok := strings.Cut(model, "/")
	if !ok || provider == "" || rest == "" {
		return "", "", fmt.Errorf("model %q must be of the form provider/model", model)
	}
	return provider, rest, nil
}

// ChatCompletion performs a completion, rotating across credentials on
// credential-scoped failures.
func (c *Client) ChatCompletion(ctx context.Context, req *types.ChatCompletionRequest) (*types.ChatCompletionResponse, error) {
	var out *types.ChatCompletionResponse
	err := c.execute(ctx, req.Model, func(callCtx context.Context, baseURL, token, model string) error {
		upstreamReq := *req
		upstreamReq.Model = model
		resp, err := c.upstream.ChatCompletion(callCtx, baseURL, token, &upstreamReq)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// Embeddings performs an embeddings call with rotation.
func (c *Client) Embeddings(ctx context.Context, req *types.EmbeddingsRequest) (*types.EmbeddingsResponse, error) {
	var out *types.EmbeddingsResponse
	err := c.execute(ctx, req.Model, func(callCtx context.Context, baseURL, token, model string) error {
		upstreamReq := *req
		upstreamReq.Model = model
		resp, err := c.upstream.Embeddings(callCtx, baseURL, token, &upstreamReq)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// Stream is a live upstream SSE stream. The chosen credential's
// semaphore slot is held until Close, which is safe to call more than
// once and must be called on completion, client disconnect, or error.
type Stream struct {
	body    io.ReadCloser
	release func()
	once    sync.Once
}

// Read proxies the raw SSE bytes.
func (s *Stream) Read(p []byte) (int, error) { return s.body.Read(p) }

// Close closes the upstream connection and releases the semaphore slot.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		s.release()
	})
	return err
}

// StreamChatCompletion opens a streaming completion. Rotation happens
// only before the first byte; once a stream is established, failures
// surface to the caller mid-stream.
func (c *Client) StreamChatCompletion(ctx context.Context, req *types.ChatCompletionRequest) (*Stream, error) {
	provider, model, err := SplitModel(req.Model)
	if err != nil {
		return nil, err
	}
	auth, err := c.authFor(provider)
	if err != nil {
		return nil, err
	}
	if err := c.waitLimiter(ctx, provider); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		ent, release, err := c.acquire(ctx, provider)
		if err != nil {
			return nil, c.exhausted(provider, lastErr, err)
		}

		baseURL, token, err := auth.APIDetails(ctx, ent.cred)
		if err != nil {
			release()
			lastErr = err
			continue
		}

		upstreamReq := *req
		upstreamReq.Model = model
		body, err := c.upstream.StreamChatCompletion(ctx, baseURL, token, &upstreamReq)
		if err == nil {
			return &Stream{body: body, release: release}, nil
		}
		release()
		lastErr = err
		if !c.handleUpstreamError(auth, ent, err) {
			return nil, err
		}
	}
	return nil, c.exhausted(provider, lastErr, nil)
}

// execute runs one non-streaming call with acquisition, rotation, and
// error classification.
func (c *Client) execute(ctx context.Context, model string, call func(ctx context.Context, baseURL, token, model string) error) error {
	provider, rest, err := SplitModel(model)
	if err != nil {
		return err
	}
	auth, err := c.authFor(provider)
	if err != nil {
		return err
	}
	if err := c.waitLimiter(ctx, provider); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		ent, release, err := c.acquire(ctx, provider)
		if err != nil {
			return c.exhausted(provider, lastErr, err)
		}

		baseURL, token, err := auth.APIDetails(ctx, ent.cred)
		if err != nil {
			release()
			lastErr = err
			continue
		}

		err = call(ctx, baseURL, token, rest)
		release()
		if err == nil {
			return nil
		}
		lastErr = err
		if !c.handleUpstreamError(auth, ent, err) {
			return err
		}
	}
	return c.exhausted(provider, lastErr, nil)
}

// handleUpstreamError maps a failed call to a rotation decision.
// Returns true when the rotator should try the next candidate.
func (c *Client) handleUpstreamError(auth providers.Auth, ent *entry, err error) bool {
	var ue *types.UpstreamError
	if !errors.As(err, &ue) {
		// Adapter-level auth failures (refresh errors) rotate too.
		var ae *types.AuthError
		return errors.As(err, &ae)
	}

	switch {
	case ue.IsCredentialError():
		log.Printf("rotator: credential %s rejected upstream (HTTP %d), queueing reactive refresh", ent.cred.ID, ue.StatusCode)
		auth.EnqueueRefresh(ent.rotationID(), true, true)
		return true

	case ue.IsRateLimited():
		window := ue.RetryAfter
		if window <= 0 {
			window = defaultRetryAfter
		}
		log.Printf("rotator: credential %s rate limited, cooling down for %s", ent.cred.ID, window)
		c.mu.Lock()
		ent.cooldownUntil = c.now().Add(window)
		c.mu.Unlock()
		return true

	default:
		return false
	}
}

func (c *Client) authFor(provider string) (providers.Auth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	auth, ok := c.auths[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return auth, nil
}

func (c *Client) waitLimiter(ctx context.Context, provider string) error {
	c.mu.Lock()
	limiter := c.limiters[provider]
	c.mu.Unlock()
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// acquire picks a credential for the provider: available entries first,
// preferring those with free semaphore slots, least-recently-used within
// that set, insertion order as the tie-break. When every available
// credential is saturated it blocks on the least-recently-used one's
// semaphore until the acquisition timeout.
func (c *Client) acquire(ctx context.Context, provider string) (*entry, func(), error) {
	deadline := c.now().Add(c.acquireTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		avail := c.availableEntries(provider)
		if len(avail) == 0 {
			select {
			case <-ctx.Done():
				return nil, nil, types.ErrNoAvailableCredential
			case <-time.After(availPollInterval):
				continue
			}
		}

		for _, ent := range avail {
			if ent.sem.TryAcquire(1) {
				c.touch(ent)
				return ent, func() { ent.sem.Release(1) }, nil
			}
		}

		// All saturated: wait on the least-recently-used candidate.
		ent := avail[0]
		if err := ent.sem.Acquire(ctx, 1); err != nil {
			return nil, nil, types.ErrNoAvailableCredential
		}
		c.touch(ent)
		return ent, func() { ent.sem.Release(1) }, nil
	}
}

func (c *Client) availableEntries(provider string) []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var avail []*entry
	for _, ent := range c.entries[provider] {
		if now.Before(ent.cooldownUntil) {
			continue
		}
		auth := c.auths[provider]
		if auth != nil && !auth.Available(ent.rotationID()) {
			continue
		}
		avail = append(avail, ent)
	}
	sort.SliceStable(avail, func(i, j int) bool {
		if !avail[i].lastUsed.Equal(avail[j].lastUsed) {
			return avail[i].lastUsed.Before(avail[j].lastUsed)
		}
		return avail[i].seq < avail[j].seq
	})
	return avail
}

func (c *Client) touch(ent *entry) {
	c.mu.Lock()
	ent.lastUsed = c.now()
	c.mu.Unlock()
}

func (c *Client) exhausted(provider string, lastErr, _ error) error {
	if lastErr != nil {
		return fmt.Errorf("%w: provider %s: last error: %v", types.ErrNoAvailableCredential, provider, lastErr)
	}
	return fmt.Errorf("%w: provider %s", types.ErrNoAvailableCredential, provider)
}

// Close stops every adapter's background workers.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, auth := range c.auths {
		auth.Close()
	}
}
