package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeadersSet(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/api/send", nil))

	h := w.Result().Header
	require.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", h.Get("X-Frame-Options"))
	require.Equal(t, "default-src 'self'", h.Get("Content-Security-Policy"))
	require.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
	require.Empty(t, h.Get("Strict-Transport-Security"), "HSTS must not be set on plain HTTP")
}

func TestSecurityHeadersHSTSOnTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "https://relay.example/api/send", nil)
	req.TLS = &tls.ConnectionState{}

	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	require.Contains(t, w.Result().Header.Get("Strict-Transport-Security"), "max-age=")
}

func doAs(t *testing.T, h http.Handler, remoteAddr string, hdr map[string]string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/inbox", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiterBurstThenReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewRateLimiter(ctx, 60, 3, nil).Wrap(okHandler())

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.1:5000", nil), "request %d inside burst", i)
	}
	require.Equal(t, http.StatusTooManyRequests, doAs(t, h, "192.0.2.1:5000", nil))
}

func TestRateLimiterIsPerClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewRateLimiter(ctx, 60, 1, nil).Wrap(okHandler())

	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.1:5000", nil))
	require.Equal(t, http.StatusTooManyRequests, doAs(t, h, "192.0.2.1:5001", nil), "same IP, different port")
	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.2:5000", nil), "different IP gets its own bucket")
}

func TestRateLimiterIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewRateLimiter(ctx, 60, 1, nil).Wrap(okHandler())

	// Both requests come from the same TCP peer; rotating X-Forwarded-For
	// must not mint fresh buckets.
	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.1:5000", map[string]string{"X-Forwarded-For": "10.0.0.1"}))
	require.Equal(t, http.StatusTooManyRequests, doAs(t, h, "192.0.2.1:5000", map[string]string{"X-Forwarded-For": "10.0.0.2"}))
}

func TestRateLimiterHonorsForwardedForFromTrustedProxy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewRateLimiter(ctx, 60, 1, []string{"192.0.2.10"}).Wrap(okHandler())

	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.10:5000", map[string]string{"X-Forwarded-For": "10.0.0.1"}))
	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.10:5000", map[string]string{"X-Forwarded-For": "10.0.0.2"}))
	require.Equal(t, http.StatusTooManyRequests, doAs(t, h, "192.0.2.10:5000", map[string]string{"X-Forwarded-For": "10.0.0.1"}))
}

func TestRateLimiterTrustedProxyXRealIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewRateLimiter(ctx, 60, 1, []string{"192.0.2.10"}).Wrap(okHandler())

	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.10:5000", map[string]string{"X-Real-IP": "10.0.0.1"}))
	require.Equal(t, http.StatusOK, doAs(t, h, "192.0.2.10:5000", map[string]string{"X-Real-IP": "10.0.0.2"}))
}

func TestRateLimiterForwardedForFirstHopWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewRateLimiter(ctx, 60, 1, []string{"192.0.2.10"})

	req := httptest.NewRequest("GET", "/api/inbox", nil)
	req.RemoteAddr = "192.0.2.10:5000"
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 192.0.2.10")
	require.Equal(t, "10.0.0.1", l.clientIP(req))
}
