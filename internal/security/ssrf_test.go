package security

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"quackrelay/internal/domain"
)

func TestIsPrivateIP(t *testing.T) {
	private := []string{
		"127.0.0.1",
		"10.0.0.1",
		"172.16.0.1",
		"172.31.255.255",
		"192.168.1.1",
		"169.254.169.254", // cloud metadata
		"0.0.0.0",
		"::1",
		"fc00::1",
		"fe80::1",
		"::ffff:192.168.1.1", // v4-mapped v6
	}
	for _, s := range private {
		ip := net.ParseIP(s)
		require.NotNil(t, ip, s)
		require.True(t, IsPrivateIP(ip), "%s should be blocked", s)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}
	for _, s := range public {
		require.False(t, IsPrivateIP(net.ParseIP(s)), "%s should be allowed", s)
	}
}

func TestValidateURLSchemes(t *testing.T) {
	for _, u := range []string{
		"ftp://example.com/file",
		"file:///etc/passwd",
		"gopher://example.com",
		"example.com/webhook", // no scheme
		"://bad",
	} {
		err := ValidateURL(u)
		require.ErrorIs(t, err, domain.ErrSSRFBlocked, "url %q", u)
	}
}

func TestValidateURLBlocksPrivateLiterals(t *testing.T) {
	for _, u := range []string{
		"http://127.0.0.1:8080/api/task",
		"http://10.1.2.3/webhook",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]:9000/",
		"https://192.168.0.10/hook",
	} {
		err := ValidateURL(u)
		require.ErrorIs(t, err, domain.ErrSSRFBlocked, "url %q", u)
	}
}

func TestValidateURLRejectsUnresolvableHost(t *testing.T) {
	err := ValidateURL("https://definitely-not-a-real-host.invalid/webhook")
	require.ErrorIs(t, err, domain.ErrSSRFBlocked)
}

func TestSSRFSafeTransportBlocksLoopbackDial(t *testing.T) {
	// A local listener is exactly what the transport must refuse to
	// reach, even though it is perfectly reachable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := &http.Client{Transport: NewSSRFSafeTransport()}
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrSSRFBlocked)
}
