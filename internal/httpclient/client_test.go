package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostJSONRetriesServerErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseRetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond})
	resp, err := c.PostJSON(context.Background(), srv.URL, "token", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&requests); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseRetryDelay: time.Millisecond})
	resp, err := c.GetJSON(context.Background(), srv.URL, "token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = resp.Body.Close()

	// 401 is a rotation decision, not a transport retry.
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestBearerAndUserAgentHeaders(t *testing.T) {
	var auth, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		agent = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.GetJSON(context.Background(), srv.URL, "tok-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = resp.Body.Close()

	if auth != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", auth)
	}
	if agent != "llm-rotator-proxy/1.0" {
		t.Errorf("unexpected user agent %q", agent)
	}
}
