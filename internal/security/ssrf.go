package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"quackrelay/internal/domain"
)

// Webhook and dispatcher targets are operator-registered URLs, which
// still makes them attacker-reachable input once an agent record can be
// created over the API. Egress is therefore constrained twice: once at
// registration (ValidateURL) and again at dial time
// (NewSSRFSafeTransport), so a DNS answer that changes between the two
// cannot redirect a POST into the relay's own network.

// blocked reports whether addr may never be an egress destination.
func blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// IsPrivateIP reports whether ip falls in loopback, private, link-local,
// multicast, or unspecified space.
func IsPrivateIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	return blocked(addr)
}

// ValidateURL rejects a webhook/base URL whose scheme is not http(s) or
// whose host is, or currently resolves to, a blocked address.
func ValidateURL(rawURL string) error {
	fail := func(detail string) error {
		return domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked, detail)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fail(fmt.Sprintf("unparseable URL: %v", err))
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fail(fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return fail("URL has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blocked(addr) {
			return fail(fmt.Sprintf("%s is a private/reserved address", addr))
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fail(fmt.Sprintf("cannot resolve %s: %v", host, err))
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fail(fmt.Sprintf("%s resolves to private address %s", host, ip))
		}
	}
	return nil
}

// NewSSRFSafeTransport returns a transport whose dialer re-resolves the
// host, rejects any blocked answer, and connects to the exact address it
// validated. Validating and dialing on one lookup closes the rebinding
// window a separate ValidateURL call leaves open.
func NewSSRFSafeTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("split %q: %w", addr, err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil || len(ips) == 0 {
				return nil, domain.NewDomainError("SSRFSafeTransport.Dial", domain.ErrSSRFBlocked,
					fmt.Sprintf("cannot resolve %s: %v", host, err))
			}
			for _, ip := range ips {
				if IsPrivateIP(ip.IP) {
					return nil, domain.NewDomainError("SSRFSafeTransport.Dial", domain.ErrSSRFBlocked,
						fmt.Sprintf("%s resolves to private address %s", host, ip.IP))
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
