package upstream

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPTransport returns the pooled transport used for provider calls.
// There is no overall client timeout because streamed bodies stay open for
// the length of a completion; headerTimeout bounds the wait for the
// response to start instead.
func NewHTTPTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
}
