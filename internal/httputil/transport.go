package httputil

import (
	"crypto/tls"
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a copy of base (or a fresh client if base
// is nil) with Timeout set to timeout. If base already has a non-zero
// Timeout and force is false, the existing timeout is preserved. The caller's
// base client is never mutated.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout}
	}

	clone := *base
	if force || clone.Timeout == 0 {
		clone.Timeout = timeout
	}
	return &clone
}

// DefaultTransportWithMinTLS12 returns an *http.Transport cloned from
// http.DefaultTransport with a minimum TLS version of 1.2, for outbound
// clients talking to RPC endpoints and git hosts.
func DefaultTransportWithMinTLS12() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	}
	clone := base.Clone()
	if clone.TLSClientConfig == nil {
		clone.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		clone.TLSClientConfig = clone.TLSClientConfig.Clone()
		clone.TLSClientConfig.MinVersion = tls.VersionTLS12
	}
	return clone
}
