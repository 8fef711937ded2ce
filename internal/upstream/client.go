// Package upstream provides the pooled HTTP client used to forward requests
// to the single configured Fediverse origin.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jensens/ivoryvalley/internal/perr"
)

// Client wraps a pooled *http.Client configured with the connect/total
// timeouts and redirect policy the specification requires.
type Client struct {
	http *http.Client
}

// New builds a Client with the given connect and total request timeouts.
// Automatic redirects are disabled so 3xx responses (e.g. OAuth redirects)
// reach the caller verbatim.
func New(connectTimeout, requestTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Timeout returns the total per-request timeout this client enforces.
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Do issues req and maps transport-level failures onto the perr.Kind
// taxonomy (Connect, Timeout, Tls, Io).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err == nil {
		return resp, nil
	}

	if ctxErr := req.Context().Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return nil, perr.New(perr.KindUpstreamTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, perr.New(perr.KindUpstreamTimeout, err)
	}

	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return nil, perr.New(perr.KindUpstreamTLS, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return nil, perr.New(perr.KindUpstreamConnect, err)
		}
		return nil, perr.New(perr.KindUpstreamIO, err)
	}

	return nil, perr.New(perr.KindUpstreamIO, fmt.Errorf("upstream request failed: %w", err))
}
