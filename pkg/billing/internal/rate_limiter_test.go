package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_EnforcesLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("request over the limit should be denied")
	}

	// Other clients are unaffected.
	if !limiter.allow("10.0.0.2") {
		t.Error("a different IP must have its own bucket")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	window := 50 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	if !limiter.allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if limiter.allow("10.0.0.1") {
		t.Fatal("second request in window should be denied")
	}

	time.Sleep(window + 10*time.Millisecond)
	if !limiter.allow("10.0.0.1") {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	limiter := NewRateLimiter(10, 50*time.Millisecond)

	now := time.Now()
	limiter.requests["expired"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.requests["active"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.cleanupExpired(now)

	if _, exists := limiter.requests["expired"]; exists {
		t.Error("expired entry should have been removed")
	}
	if _, exists := limiter.requests["active"]; !exists {
		t.Error("active entry should remain")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", w.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr only", "192.0.2.1:5000", "", "192.0.2.1:5000"},
		{"forwarded single", "192.0.2.1:5000", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain takes first", "192.0.2.1:5000", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"forwarded with spaces", "192.0.2.1:5000", "  203.0.113.7 , 10.0.0.1", "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
