package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
	"github.com/berthojoris/llm-rotator-proxy/pkg/reauth"
	"github.com/berthojoris/llm-rotator-proxy/pkg/refresh"
	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

const refreshMaxAttempts = 3

// errInvalidGrant marks a refresh rejected with 401/403: the refresh
// token is revoked or expired and only interactive re-auth can recover.
var errInvalidGrant = errors.New("refresh token rejected (invalid grant)")

// tokenResponse is the token endpoint's reply for both refresh and
// device-code grants.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	ResourceURL      string `json:"resource_url,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// OAuthAuth is the device-code OAuth adapter shared by qwen_code,
// gemini_cli, antigravity and iflow. Each instance owns its refresh
// queue and backoff tracker; interactive flows go through the injected
// global coordinator.
type OAuthAuth struct {
	endpoint    Endpoint
	store       *credential.Store
	coordinator *reauth.Coordinator
	backoff     *refresh.Backoff
	queue       *refresh.Queue
	httpClient  *http.Client
	flow        *deviceFlow

	buffer        time.Duration
	reauthTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOAuthAuth builds the adapter for one OAuth endpoint.
func NewOAuthAuth(ep Endpoint, store *credential.Store, coordinator *reauth.Coordinator) *OAuthAuth {
	a := &OAuthAuth{
		endpoint:      ep,
		store:         store,
		coordinator:   coordinator,
		backoff:       refresh.NewBackoff(),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		flow:          newDeviceFlow(),
		buffer:        RefreshExpiryBuffer,
		reauthTimeout: reauth.DefaultTimeout,
		locks:         make(map[string]*sync.Mutex),
		now:           time.Now,
		sleep:         sleepCtx,
	}
	a.queue = refresh.NewQueue(a.queueRefresh, a.queueExpired, a.backoff)
	return a
}

// Provider returns the provider name.
func (a *OAuthAuth) Provider() string { return a.endpoint.Provider }

// Backoff exposes the failure tracker, for tests.
func (a *OAuthAuth) Backoff() *refresh.Backoff { return a.backoff }

// Queue exposes the refresh queue, for tests.
func (a *OAuthAuth) Queue() *refresh.Queue { return a.queue }

// SetBuffer overrides the refresh expiry buffer.
func (a *OAuthAuth) SetBuffer(d time.Duration) { a.buffer = d }

func (a *OAuthAuth) credLock(source string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[source]
	if !ok {
		l = &sync.Mutex{}
		a.locks[source] = l
	}
	return l
}

func (a *OAuthAuth) queueRefresh(ctx context.Context, id string, force, needsReauth bool) error {
	return a.refreshWithReauth(ctx, id, force, needsReauth)
}

func (a *OAuthAuth) queueExpired(id string) bool {
	doc, ok := a.store.Cached(id)
	if !ok {
		return true
	}
	return doc.ExpiredWithin(a.buffer, a.now())
}

// Initialize validates a stored credential: valid tokens pass through,
// expired tokens are refreshed, and missing or revoked refresh tokens
// escalate to the interactive flow.
func (a *OAuthAuth) Initialize(ctx context.Context, cred *credential.Credential) (*credential.Document, error) {
	doc, err := a.store.Load(cred.Source)
	if err != nil {
		return nil, err
	}

	if doc.RefreshToken == "" {
		log.Printf("%s: credential %s has no refresh token, starting re-authorization", a.endpoint.Provider, cred.ID)
		return a.InteractiveReauth(ctx, cred.Source)
	}
	if doc.ExpiredWithin(a.buffer, a.now()) {
		if err := a.Refresh(ctx, cred.Source, false); err != nil {
			return nil, err
		}
		doc, err = a.store.Load(cred.Source)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// APIDetails returns the base URL and bearer token, refreshing inline
// under the per-credential lock when the token is within the buffer.
// Concurrent callers coalesce on the lock: the first performs the
// refresh, the rest re-read the updated cache.
func (a *OAuthAuth) APIDetails(ctx context.Context, cred *credential.Credential) (string, string, error) {
	doc, err := a.store.Load(cred.Source)
	if err != nil {
		return "", "", err
	}

	if doc.ExpiredWithin(a.buffer, a.now()) {
		if err := a.Refresh(ctx, cred.Source, false); err != nil {
			return "", "", err
		}
		doc, err = a.store.Load(cred.Source)
		if err != nil {
			return "", "", err
		}
	}

	base := doc.ResourceURL
	if base == "" {
		base = cred.BaseURL
	}
	if base == "" {
		base = a.endpoint.DefaultBaseURL
	}
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}

	token := doc.AccessToken
	if a.endpoint.PreferAPIKey && doc.APIKey != "" {
		token = doc.APIKey
	}
	return base, token, nil
}

// UserInfo returns the identity email recorded in the credential
// metadata and stamps the check timestamp.
func (a *OAuthAuth) UserInfo(_ context.Context, cred *credential.Credential) (string, error) {
	doc, err := a.store.Load(cred.Source)
	if err != nil {
		return "", err
	}
	if doc.Meta.Email == "" {
		log.Printf("%s: no email recorded for %s, treating credential as unique", a.endpoint.Provider, cred.ID)
		return "", nil
	}
	doc.Meta.LastCheckTimestamp = float64(a.now().UnixNano()) / float64(time.Second)
	if err := a.store.Save(cred.Source, doc); err != nil {
		return doc.Meta.Email, err
	}
	return doc.Meta.Email, nil
}

// Refresh refreshes the credential under its lock. Invalid grants
// escalate to interactive re-auth; transient failures update the
// backoff tracker.
func (a *OAuthAuth) Refresh(ctx context.Context, source string, force bool) error {
	return a.refreshWithReauth(ctx, source, force, false)
}

func (a *OAuthAuth) refreshWithReauth(ctx context.Context, source string, force, _ bool) error {
	lock := a.credLock(source)
	lock.Lock()
	defer lock.Unlock()

	doc, err := a.store.Load(source)
	if err != nil {
		return err
	}
	// Another caller may have refreshed while we waited on the lock.
	if !force && !doc.ExpiredWithin(a.buffer, a.now()) {
		return nil
	}

	if doc.RefreshToken == "" {
		return a.escalate(ctx, source, fmt.Errorf("no refresh token in %s", displayName(source)))
	}

	tok, err := a.requestRefresh(ctx, doc)
	if err != nil {
		if errors.Is(err, errInvalidGrant) {
			return a.escalate(ctx, source, err)
		}
		window := a.backoff.Failure(source)
		return &types.AuthError{
			Provider: a.endpoint.Provider,
			Code:     types.ErrCodeRefreshFailed,
			Message:  fmt.Sprintf("token refresh failed, next attempt in %s", window),
			Retry:    true,
			Err:      err,
		}
	}

	if err := a.applyToken(source, doc, tok); err != nil {
		window := a.backoff.Failure(source)
		return &types.AuthError{
			Provider: a.endpoint.Provider,
			Code:     types.ErrCodeRefreshFailed,
			Message:  fmt.Sprintf("refreshed token rejected, next attempt in %s", window),
			Err:      err,
		}
	}

	a.backoff.Success(source)
	log.Printf("%s: refreshed OAuth token for %s", a.endpoint.Provider, displayName(source))
	return nil
}

// escalate runs interactive re-auth for an invalid grant. The caller
// holds the credential lock; the flow writes through the store which has
// its own locking.
func (a *OAuthAuth) escalate(ctx context.Context, source string, cause error) error {
	log.Printf("%s: %v; starting re-authorization for %s", a.endpoint.Provider, cause, displayName(source))
	if _, err := a.InteractiveReauth(ctx, source); err != nil {
		window := a.backoff.Failure(source)
		return &types.AuthError{
			Provider: a.endpoint.Provider,
			Code:     types.ErrCodeInvalidGrant,
			Message:  fmt.Sprintf("re-authorization failed, next attempt in %s", window),
			Err:      err,
		}
	}
	a.backoff.Success(source)
	return nil
}

// applyToken merges a token endpoint response into the document and
// persists it. The expiry never moves backwards across refreshes.
func (a *OAuthAuth) applyToken(source string, doc *credential.Document, tok *tokenResponse) error {
	if tok.AccessToken == "" {
		return errors.New("token response missing access_token")
	}
	doc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		doc.RefreshToken = tok.RefreshToken
	}
	if doc.RefreshToken == "" {
		return errors.New("token response missing refresh_token")
	}
	if tok.ExpiresIn > 0 {
		newExpiry := a.now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
		if newExpiry > doc.ExpiryDate {
			doc.ExpiryDate = newExpiry
		}
	}
	if tok.ResourceURL != "" {
		doc.ResourceURL = tok.ResourceURL
	}
	doc.Meta.LastCheckTimestamp = float64(a.now().UnixNano()) / float64(time.Second)
	return a.store.Save(source, doc)
}

// requestRefresh posts the refresh grant with the retry table: 401/403
// classify as invalid grant, 429 honors Retry-After, 5xx and network
// errors back off exponentially, all capped at three attempts.
func (a *OAuthAuth) requestRefresh(ctx context.Context, doc *credential.Document) (*tokenResponse, error) {
	if a.endpoint.Google {
		return a.requestRefreshGoogle(ctx, doc)
	}

	clientID := doc.ClientID
	if clientID == "" {
		clientID = a.endpoint.ClientID
	}
	tokenURL := doc.TokenURI
	if tokenURL == "" {
		tokenURL = a.endpoint.TokenURL
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", doc.RefreshToken)
	form.Set("client_id", clientID)
	if doc.ClientSecret != "" {
		form.Set("client_secret", doc.ClientSecret)
	}

	var lastErr error
	for attempt := 0; attempt < refreshMaxAttempts; attempt++ {
		resp, err := a.postForm(ctx, tokenURL, form)
		if err != nil {
			lastErr = err
			if serr := a.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second); serr != nil { // #nosec G115
				return nil, serr
			}
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var tok tokenResponse
			if err := json.Unmarshal(body, &tok); err != nil {
				return nil, fmt.Errorf("parse token response: %w", err)
			}
			if tok.Error != "" {
				return nil, fmt.Errorf("token endpoint error: %s (%s)", tok.Error, tok.ErrorDescription)
			}
			return &tok, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: HTTP %d: %s", errInvalidGrant, resp.StatusCode, string(body))

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("token endpoint rate limited (HTTP 429)")
			wait := retryAfter(resp.Header, time.Minute)
			if attempt < refreshMaxAttempts-1 {
				if serr := a.sleep(ctx, wait); serr != nil {
					return nil, serr
				}
				continue
			}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("token endpoint server error (HTTP %d)", resp.StatusCode)
			if attempt < refreshMaxAttempts-1 {
				if serr := a.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second); serr != nil { // #nosec G115
					return nil, serr
				}
				continue
			}

		default:
			return nil, fmt.Errorf("token refresh failed: HTTP %d: %s", resp.StatusCode, string(body))
		}
	}
	if lastErr == nil {
		lastErr = errors.New("token refresh failed after all retries")
	}
	return nil, lastErr
}

// requestRefreshGoogle refreshes through golang.org/x/oauth2 against the
// Google token endpoint. Google reports revoked refresh tokens as
// invalid_grant on HTTP 400, which classifies the same as 401/403.
func (a *OAuthAuth) requestRefreshGoogle(ctx context.Context, doc *credential.Document) (*tokenResponse, error) {
	cfg := a.googleConfig(doc)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: doc.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			if rerr.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized || status == http.StatusForbidden {
				return nil, fmt.Errorf("%w: %v", errInvalidGrant, err)
			}
		}
		return nil, fmt.Errorf("google token refresh: %w", err)
	}

	expiresIn := int64(time.Until(tok.Expiry) / time.Second)
	return &tokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

func (a *OAuthAuth) googleConfig(doc *credential.Document) *oauth2.Config {
	clientID := doc.ClientID
	if clientID == "" {
		clientID = a.endpoint.ClientID
	}
	secret := doc.ClientSecret
	if secret == "" {
		secret = a.endpoint.ClientSecret
	}
	tokenURL := doc.TokenURI
	if tokenURL == "" {
		tokenURL = a.endpoint.TokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		Scopes:       strings.Fields(a.endpoint.Scope),
		Endpoint: oauth2.Endpoint{
			TokenURL:      tokenURL,
			DeviceAuthURL: a.endpoint.DeviceAuthURL,
		},
	}
}

// InteractiveReauth runs the device-code flow through the global
// coordinator. Concurrent requests for the same credential join the
// in-flight flow.
func (a *OAuthAuth) InteractiveReauth(ctx context.Context, source string) (*credential.Document, error) {
	reauthID := fmt.Sprintf("%s:%s", a.endpoint.Provider, displayName(source))
	return a.coordinator.Execute(ctx, reauthID, a.reauthTimeout, func(fctx context.Context) (*credential.Document, error) {
		doc, ok := a.store.Cached(source)
		if !ok {
			loaded, err := a.store.Load(source)
			if err != nil && !errors.Is(err, credential.ErrCredentialMissing) {
				return nil, err
			}
			doc = loaded
		}
		if doc == nil {
			doc = &credential.Document{}
		}

		if err := a.runDeviceFlow(fctx, doc, displayName(source)); err != nil {
			return nil, err
		}
		if doc.Meta.Email == "" {
			doc.Meta.Email = a.flow.promptEmail(displayName(source))
		}
		doc.Meta.LastCheckTimestamp = float64(a.now().UnixNano()) / float64(time.Second)
		if err := a.store.Save(source, doc); err != nil {
			return nil, err
		}
		log.Printf("%s: re-authorization for %s complete", a.endpoint.Provider, displayName(source))
		return doc, nil
	})
}

func (a *OAuthAuth) runDeviceFlow(ctx context.Context, doc *credential.Document, display string) error {
	if a.endpoint.Google {
		return a.flow.RunGoogle(ctx, a.googleConfig(doc), doc, display)
	}
	return a.flow.Run(ctx, a.endpoint, doc, display)
}

// Available consults the refresh queue, which also performs TTL reaping.
func (a *OAuthAuth) Available(id string) bool { return a.queue.IsAvailable(id) }

// EnqueueRefresh submits an asynchronous refresh.
func (a *OAuthAuth) EnqueueRefresh(id string, force, needsReauth bool) {
	a.queue.Enqueue(id, force, needsReauth)
}

// MarkUnavailable stamps the credential out of rotation.
func (a *OAuthAuth) MarkUnavailable(id string) { a.queue.MarkUnavailable(id) }

// MarkAvailable returns the credential to rotation.
func (a *OAuthAuth) MarkAvailable(id string) { a.queue.MarkAvailable(id) }

// ProactivelyRefresh enqueues a refresh when the credential is within
// the expiry buffer. Called by the background refresher.
func (a *OAuthAuth) ProactivelyRefresh(_ context.Context, source string) {
	doc, err := a.store.Load(source)
	if err != nil {
		return
	}
	if doc.ExpiredWithin(a.buffer, a.now()) {
		a.queue.Enqueue(source, false, false)
	}
}

// Close stops the refresh queue worker.
func (a *OAuthAuth) Close() { a.queue.Close() }

func (a *OAuthAuth) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-request-id", uuid.New().String())
	return a.httpClient.Do(req)
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func displayName(source string) string {
	if _, index, ok := credential.ParseEnvSource(source); ok {
		return "env-credential-" + index
	}
	return filepath.Base(source)
}
