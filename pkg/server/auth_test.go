package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefeshin/hush/pkg/database"
)

func newClientIPServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "hush.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg, db, dir)
	require.NoError(t, err)
	return srv
}

// httptest.NewRequest stamps RemoteAddr 192.0.2.1:1234
func forwardedRequest(forwardedFor string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	if forwardedFor != "" {
		r.Header.Set("X-Forwarded-For", forwardedFor)
	}
	return r
}

func TestClientIPIgnoresForwardedForByDefault(t *testing.T) {
	srv := newClientIPServer(t, nil)
	assert.Equal(t, "192.0.2.1", srv.clientIP(forwardedRequest("1.2.3.4")))
	assert.Equal(t, "192.0.2.1", srv.clientIP(forwardedRequest("")))
}

func TestClientIPHonorsTrustedProxy(t *testing.T) {
	srv := newClientIPServer(t, func(cfg *ServerConfig) {
		cfg.TrustProxyHeaders = true
		cfg.TrustedProxyCIDRs = []string{"192.0.2.0/24"}
	})

	assert.Equal(t, "1.2.3.4", srv.clientIP(forwardedRequest("1.2.3.4")))
	assert.Equal(t, "1.2.3.4", srv.clientIP(forwardedRequest("1.2.3.4, 10.0.0.1")),
		"first hop wins in a proxy chain")

	// Garbage in the header falls back to the socket peer
	assert.Equal(t, "192.0.2.1", srv.clientIP(forwardedRequest("not-an-ip")))
	assert.Equal(t, "192.0.2.1", srv.clientIP(forwardedRequest("")))
}

func TestClientIPRequiresTrustedPeer(t *testing.T) {
	// Trust is on but the peer is outside the trusted range, so the
	// header is still ignored
	srv := newClientIPServer(t, func(cfg *ServerConfig) {
		cfg.TrustProxyHeaders = true
		cfg.TrustedProxyCIDRs = []string{"10.0.0.0/8"}
	})
	assert.Equal(t, "192.0.2.1", srv.clientIP(forwardedRequest("1.2.3.4")))
}

func TestInvalidTrustedProxyCIDRRejected(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "hush.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := DefaultConfig()
	cfg.TrustedProxyCIDRs = []string{"not-a-cidr"}
	_, err = New(cfg, db, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted proxy CIDR")
}
