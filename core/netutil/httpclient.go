package netutil

import (
	"context"
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout       = 5 * time.Second
	tlsHandshake      = 5 * time.Second
	idleConnTimeout   = 30 * time.Second
	responseTimeout   = 15 * time.Second
	clientTimeout     = 60 * time.Second
	keepAliveInterval = 30 * time.Second

	// DefaultRetries is the number of extra attempts for transient transport errors.
	DefaultRetries = 2
	// DefaultBackoff is the base delay between attempts.
	DefaultBackoff = time.Second
)

// NewHTTPClient returns a client for chat platform and storage APIs that
// retries idempotent-safe requests on transient transport failures.
func NewHTTPClient() *http.Client {
	return NewHTTPClientTimeout(responseTimeout, clientTimeout)
}

// NewHTTPClientTimeout is NewHTTPClient with explicit response-header and
// overall timeouts, for callers holding requests open such as long polling.
func NewHTTPClientTimeout(response, total time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: keepAliveInterval}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshake,
		ResponseHeaderTimeout: response,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   total,
		Transport: &RetryTransport{Base: transport, Retries: DefaultRetries, Backoff: DefaultBackoff},
	}
}

// RetryTransport replays a request when the round trip fails with a transient error.
// Requests whose body cannot be rewound are attempted once.
type RetryTransport struct {
	Base    http.RoundTripper
	Retries int
	Backoff time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	attempts := t.Retries + 1
	if req.Body != nil && req.GetBody == nil {
		attempts = 1
	}

	var resp *http.Response
	first := true
	_, err := Do(req.Context(), attempts, t.Backoff, func(context.Context) error {
		attempt := req
		if !first {
			attempt = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return err
				}
				attempt.Body = body
			}
		}
		first = false
		var err error
		resp, err = base.RoundTrip(attempt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
