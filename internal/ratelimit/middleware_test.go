package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/httpmw"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// newTestHandler puts Identity in front of the limiter the same way the server does
func newTestHandler(l *Limiter) http.Handler {
	return httpmw.Chain(l.Middleware(okHandler),
		httpmw.Identity(httpmw.IdentityOptions{ExemptRoles: []string{"admin"}}),
	)
}

func doRequest(h http.Handler, user, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/images", http.NoBody)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fixedClock(tm time.Time) Option {
	return WithClock(func() time.Time { return tm })
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	l := newTestLimiter(t, WithRequestsPerMinute(2), fixedClock(t0))
	h := newTestHandler(l)

	for i := range 2 {
		if rec := doRequest(h, "alice", "user"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := doRequest(h, "alice", "user")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "per_minute" {
		t.Errorf("X-RateLimit-Policy = %q", got)
	}

	var body rejection
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate limit exceeded" {
		t.Errorf("error = %q", body.Error)
	}
	if want := "2/2 requests per minute limit reached. Please try again later."; body.Reason != want {
		t.Errorf("reason = %q, want %q", body.Reason, want)
	}

	// another caller has its own budget
	if rec := doRequest(h, "bob", "user"); rec.Code != http.StatusOK {
		t.Fatalf("bob: status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_ExemptRoleBypasses(t *testing.T) {
	l := newTestLimiter(t, WithRequestsPerMinute(1), fixedClock(t0))
	h := newTestHandler(l)

	for i := range 10 {
		if rec := doRequest(h, "root", "admin"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, exempt callers are never limited", i+1, rec.Code)
		}
	}
	if got := l.Len(); got != 0 {
		t.Fatalf("Len = %d, exempt callers should not be tracked", got)
	}
}

func TestMiddleware_AnonymousCallersShareDefaultIdentity(t *testing.T) {
	l := newTestLimiter(t, WithRequestsPerMinute(1), fixedClock(t0))
	h := newTestHandler(l)

	if rec := doRequest(h, "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec := doRequest(h, "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if u := l.Usage(httpmw.DefaultIdentity, t0); u.Policies[0].Count != 1 {
		t.Fatalf("default identity count = %d, want 1", u.Policies[0].Count)
	}
}

func TestMiddleware_NoPolicyPassesThrough(t *testing.T) {
	l := newTestLimiter(t)
	h := newTestHandler(l)

	for range 100 {
		if rec := doRequest(h, "alice", "user"); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}
}

func TestMiddleware_FallsBackToClientIP(t *testing.T) {
	l := newTestLimiter(t, WithRequestsPerMinute(1), fixedClock(t0))
	h := l.Middleware(okHandler)

	serve := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req = req.WithContext(httpmw.WithClientIP(context.Background(), ip))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("203.0.113.7"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if code := serve("203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", code)
	}
	if code := serve("203.0.113.8"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
}

func TestMiddleware_CapacityRejection(t *testing.T) {
	l := newTestLimiter(t, WithRequestsPerMinute(5), WithMaxIdentities(1), fixedClock(t0))
	h := newTestHandler(l)

	doRequest(h, "alice", "user")
	rec := doRequest(h, "bob", "user")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Policy"); got != "capacity" {
		t.Errorf("X-RateLimit-Policy = %q", got)
	}
	// capacity has no expiry to wait for, clients still get a sane retry hint
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{40 * time.Second, "40"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(Decision{RetryAfter: tt.in}); got != tt.want {
			t.Errorf("retryAfterSeconds(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
