package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berthojoris/llm-rotator-proxy/pkg/credential"
	"github.com/berthojoris/llm-rotator-proxy/pkg/reauth"
	"github.com/berthojoris/llm-rotator-proxy/pkg/types"
)

func testAdapter(t *testing.T, tokenURL, deviceURL string) (*OAuthAuth, *credential.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store := credential.NewStore(dir)
	path := filepath.Join(dir, "qwen_code_oauth_1.json")

	ep := Endpoint{
		Provider:       "qwen_code",
		ClientID:       "client-id",
		Scope:          "openid",
		TokenURL:       tokenURL,
		DeviceAuthURL:  deviceURL,
		DefaultBaseURL: "https://portal.qwen.ai/v1",
	}
	a := NewOAuthAuth(ep, store, reauth.NewCoordinator())
	t.Cleanup(a.Close)
	a.sleep = func(context.Context, time.Duration) error { return nil }
	a.flow.stdout = io.Discard
	a.flow.sleep = a.sleep
	a.flow.headless = func() bool { return true }
	a.flow.electron = func() bool { return false }
	return a, store, path
}

func seedCredential(t *testing.T, store *credential.Store, path string, expiry time.Time) {
	t.Helper()
	require.NoError(t, store.Save(path, &credential.Document{
		OAuthToken: credential.OAuthToken{
			AccessToken:  "old-access",
			RefreshToken: "old-refresh",
			ExpiryDate:   expiry.UnixMilli(),
		},
		Meta: credential.Metadata{Email: "user@example.com"},
	}))
}

func tokenHandler(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestRefreshSuccess(t *testing.T) {
	var requests int32
	var gotGrant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		require.NoError(t, r.ParseForm())
		gotGrant = r.Form.Get("grant_type")
		tokenHandler(http.StatusOK, map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    14400,
		})(w, r)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	seedCredential(t, store, path, time.Now().Add(time.Hour)) // inside the 3h buffer

	require.NoError(t, a.Refresh(context.Background(), path, false))

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	assert.Equal(t, "refresh_token", gotGrant)

	doc, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new-access", doc.AccessToken)
	assert.Equal(t, "new-refresh", doc.RefreshToken)
	assert.Greater(t, doc.ExpiryDate, time.Now().Add(3*time.Hour).UnixMilli())
	assert.Equal(t, 0, a.backoff.Failures(path))
}

func TestRefreshSkipsFreshToken(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	seedCredential(t, store, path, time.Now().Add(10*time.Hour))

	require.NoError(t, a.Refresh(context.Background(), path, false))
	assert.Equal(t, int32(0), atomic.LoadInt32(&requests))
}

func TestRefreshExpiryNeverDecreases(t *testing.T) {
	srv := httptest.NewServer(tokenHandler(http.StatusOK, map[string]any{
		"access_token":  "new-access",
		"refresh_token": "new-refresh",
		"expires_in":    60, // would move expiry backwards
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	farFuture := time.Now().Add(10 * time.Hour)
	seedCredential(t, store, path, farFuture)

	require.NoError(t, a.Refresh(context.Background(), path, true))

	doc, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, farFuture.UnixMilli(), doc.ExpiryDate)
	assert.Equal(t, "new-access", doc.AccessToken)
}

func TestRefreshRetriesServerErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		tokenHandler(http.StatusOK, map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    14400,
		})(w, r)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	var sleeps []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	seedCredential(t, store, path, time.Now().Add(time.Hour))

	require.NoError(t, a.Refresh(context.Background(), path, false))
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestRefreshHonorsRetryAfter(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		tokenHandler(http.StatusOK, map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    14400,
		})(w, r)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	var sleeps []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	seedCredential(t, store, path, time.Now().Add(time.Hour))

	require.NoError(t, a.Refresh(context.Background(), path, false))
	require.Len(t, sleeps, 1)
	assert.Equal(t, 5*time.Second, sleeps[0])
}

func TestRefreshFailureSetsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	seedCredential(t, store, path, time.Now().Add(time.Hour))

	err := a.Refresh(context.Background(), path, false)
	require.Error(t, err)
	var ae *types.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, types.ErrCodeRefreshFailed, ae.Code)

	assert.Equal(t, 1, a.backoff.Failures(path))
	assert.False(t, a.backoff.Ready(path))
}

func TestRefreshRejectsEmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(tokenHandler(http.StatusOK, map[string]any{
		"access_token": "",
		"expires_in":   14400,
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	seedCredential(t, store, path, time.Now().Add(time.Hour))

	err := a.Refresh(context.Background(), path, false)
	require.Error(t, err)
	assert.Equal(t, 1, a.backoff.Failures(path))

	// The stored credential is untouched by the rejected refresh.
	doc, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "old-access", doc.AccessToken)
}

func TestRefreshInvalidGrantEscalatesToReauth(t *testing.T) {
	tokenSrv := httptest.NewServer(tokenHandler(http.StatusUnauthorized, map[string]any{"error": "invalid_grant"}))
	defer tokenSrv.Close()
	// The device endpoint refuses too, so the escalation fails fast.
	deviceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer deviceSrv.Close()

	a, store, path := testAdapter(t, tokenSrv.URL, deviceSrv.URL)
	now := time.Now()
	a.backoff.SetClock(func() time.Time { return now })
	seedCredential(t, store, path, now.Add(time.Hour))

	err := a.Refresh(context.Background(), path, false)
	require.Error(t, err)
	var ae *types.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, types.ErrCodeInvalidGrant, ae.Code)

	// First failure opens a 60s window; enqueues inside it are no-ops.
	until, ok := a.backoff.NotBefore(path)
	require.True(t, ok)
	assert.Equal(t, now.Add(60*time.Second), until)
	assert.False(t, a.backoff.Ready(path))
}

func TestAPIDetailsCoalescesConcurrentRefreshes(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		tokenHandler(http.StatusOK, map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"expires_in":    6 * 3600,
		})(w, r)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	seedCredential(t, store, path, time.Now().Add(-time.Minute)) // already expired

	cred := &credential.Credential{
		ID: "qwen_code_oauth_1.json", Provider: "qwen_code",
		Kind: credential.KindOAuth, Source: path,
	}

	const callers = 50
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, token, err := a.APIDetails(context.Background(), cred)
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	// Exactly one POST hit the token endpoint; every caller got the new
	// token.
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
	for _, token := range tokens {
		assert.Equal(t, "fresh-access", token)
	}
}

func TestAPIDetailsResolvesBaseURL(t *testing.T) {
	a, store, path := testAdapter(t, "", "")
	require.NoError(t, store.Save(path, &credential.Document{
		OAuthToken: credential.OAuthToken{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiryDate:   time.Now().Add(10 * time.Hour).UnixMilli(),
			ResourceURL:  "portal-eu.qwen.ai/v1",
		},
	}))

	cred := &credential.Credential{ID: "c", Provider: "qwen_code", Kind: credential.KindOAuth, Source: path}
	base, token, err := a.APIDetails(context.Background(), cred)
	require.NoError(t, err)
	// resource_url overrides the default and gains a scheme.
	assert.Equal(t, "https://portal-eu.qwen.ai/v1", base)
	assert.Equal(t, "at", token)
}

func TestAPIKeyAuthDetails(t *testing.T) {
	a := NewAPIKeyAuth("openai")
	cred := &credential.Credential{ID: "openai/apikey/1", Provider: "openai", Kind: credential.KindAPIKey, APIKey: "sk-test"}

	base, token, err := a.APIDetails(context.Background(), cred)
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", base)
	assert.Equal(t, "sk-test", token)
	assert.True(t, a.Available(cred.ID))
}

func TestProactivelyRefreshQueuesExpiring(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		tokenHandler(http.StatusOK, map[string]any{
			"access_token":  "fresh",
			"refresh_token": "fresh-rt",
			"expires_in":    6 * 3600,
		})(w, r)
	}))
	defer srv.Close()

	a, store, path := testAdapter(t, srv.URL, "")
	seedCredential(t, store, path, time.Now().Add(time.Hour))

	a.ProactivelyRefresh(context.Background(), path)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&requests) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))

	// A fresh credential does not enqueue anything.
	a.ProactivelyRefresh(context.Background(), path)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}
