package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a per-client token bucket.
type RateLimitConfig struct {
	Rate    rate.Limit    // tokens per second per client IP
	Burst   int           // bucket size
	IdleTTL time.Duration // buckets idle longer than this are forgotten
}

// DefaultRateLimitConfig returns the limits for the management API: 20
// requests per second with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Rate: 20, Burst: 40, IdleTTL: 10 * time.Minute}
}

// ConnectRateLimitConfig returns limits for carrier websocket upgrades. A
// carrier media gateway connects from a small set of addresses, so the
// limit applies per gateway IP.
func ConnectRateLimitConfig(perSecond float64, burst int) RateLimitConfig {
	return RateLimitConfig{Rate: rate.Limit(perSecond), Burst: burst, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per client IP for a named scope such as
// "carrier_connect" or "api". Idle buckets are swept during admission once
// per IdleTTL, so no background goroutine is needed.
type Limiter struct {
	scope  string
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewLimiter creates a Limiter for scope.
func NewLimiter(scope string, cfg RateLimitConfig, logger *slog.Logger) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		scope:   scope,
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit", "scope", scope),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Reserve takes a token for ip. It returns zero when the request may
// proceed, otherwise how long the client should wait before retrying.
func (l *Limiter) Reserve(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		l.sweep(now)
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return l.cfg.IdleTTL
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		// A rejected request must not consume the token.
		res.CancelAt(now)
	}
	return delay
}

func (l *Limiter) sweep(now time.Time) {
	removed := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, ip)
			removed++
		}
	}
	l.lastSweep = now
	if removed > 0 {
		l.logger.Debug("swept idle rate limit buckets", "removed", removed, "remaining", len(l.buckets))
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit rejects requests over the client's limit with 429 and a
// Retry-After header rounded up to whole seconds.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if wait := l.Reserve(ip); wait > 0 {
				l.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "retry_after", wait.String())
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeErrorBody(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is RemoteAddr without the port. chi's RealIP middleware rewrites
// RemoteAddr when the service sits behind a reverse proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
