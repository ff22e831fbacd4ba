// Package middleware hardens the relay's HTTP surface: standard
// security headers on every response and per-client token-bucket rate
// limiting in front of the API-key check.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders sets response headers that keep the JSON API from
// being abused as a browser target. HSTS is set only on TLS requests.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// staleAfter is how long an idle client's bucket is kept before the
// reaper drops it.
const staleAfter = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client token bucket keyed by client IP.
//
// The client IP is the TCP peer address unless the peer is one of the
// configured trusted proxies, in which case X-Forwarded-For (first hop)
// or X-Real-IP is honored. With no trusted proxies configured, forwarded
// headers are ignored entirely so a client cannot spoof its way past
// the limit.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	trusted   map[string]struct{}

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a limiter allowing perMin requests per minute
// with the given burst. A reaper goroutine tied to ctx drops idle
// buckets so the map stays bounded.
func NewRateLimiter(ctx context.Context, perMin, burst int, trustedProxies []string) *RateLimiter {
	l := &RateLimiter{
		perSecond: rate.Limit(float64(perMin) / 60.0),
		burst:     burst,
		trusted:   make(map[string]struct{}, len(trustedProxies)),
		buckets:   make(map[string]*bucket),
	}
	for _, p := range trustedProxies {
		l.trusted[p] = struct{}{}
	}
	go l.reap(ctx)
	return l
}

func (l *RateLimiter) reap(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, b := range l.buckets {
				if now.Sub(b.lastSeen) > staleAfter {
					delete(l.buckets, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Wrap applies the limiter to next.
func (l *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

func (l *RateLimiter) clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	if _, ok := l.trusted[peer]; !ok {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return peer
}
