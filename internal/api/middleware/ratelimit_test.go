package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLimiter(cfg RateLimitConfig) (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter("carrier_connect", cfg, testLogger())
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterBurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(ConnectRateLimitConfig(2, 2))

	for i := 0; i < 2; i++ {
		if wait := l.Reserve("203.0.113.7"); wait != 0 {
			t.Fatalf("upgrade %d within burst waited %s", i+1, wait)
		}
	}
	wait := l.Reserve("203.0.113.7")
	if wait != 500*time.Millisecond {
		t.Fatalf("wait beyond burst = %s, want 500ms", wait)
	}
	if w := l.Reserve("198.51.100.1"); w != 0 {
		t.Errorf("other gateway waited %s", w)
	}

	// Rejected reservations do not consume tokens.
	*now = now.Add(wait)
	if w := l.Reserve("203.0.113.7"); w != 0 {
		t.Errorf("after refill waited %s", w)
	}
}

func TestLimiterSweepsIdleClients(t *testing.T) {
	l, now := newTestLimiter(RateLimitConfig{Rate: 10, Burst: 10, IdleTTL: time.Minute})

	l.Reserve("10.0.0.1")
	l.Reserve("10.0.0.2")
	if l.Len() != 2 {
		t.Fatalf("tracked = %d, want 2", l.Len())
	}

	*now = now.Add(30 * time.Second)
	l.Reserve("10.0.0.2")
	*now = now.Add(45 * time.Second)
	l.Reserve("10.0.0.3")

	if l.Len() != 2 {
		t.Errorf("tracked after sweep = %d, want 2", l.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l, _ := newTestLimiter(ConnectRateLimitConfig(0.5, 1))
	handler := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/telephony/twilio/agent-1", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
