// Package transform rewrites a client-bound HTTP request into an
// upstream-bound request, per the Request Transformer component.
package transform

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// hopByHop headers must never be forwarded to the upstream, per RFC 7230 §6.1
// and the specification's Request Transformer contract.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// IsHopByHop reports whether header key must be stripped when copying
// headers across the proxy boundary, in either direction.
func IsHopByHop(key string) bool {
	_, drop := hopByHop[key]
	return drop
}

// Target computes the upstream URL for an inbound request given the
// upstream origin. The path and query string pass through verbatim.
func Target(upstream *url.URL, inboundPath, inboundRawQuery string) *url.URL {
	target := &url.URL{
		Scheme:   upstream.Scheme,
		Host:     upstream.Host,
		Path:     inboundPath,
		RawQuery: inboundRawQuery,
	}
	return target
}

// Headers builds the outgoing header set from the inbound headers: Host is
// replaced with the upstream authority, hop-by-hop headers are dropped, and
// everything else (notably Authorization, verbatim) passes through.
func Headers(inbound http.Header, upstreamHost string, clientIP string) http.Header {
	out := make(http.Header, len(inbound))
	for k, vv := range inbound {
		if _, drop := hopByHop[k]; drop {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}

	out.Set("Host", upstreamHost)

	// Proxy-visibility headers are optional and must never be required for
	// correctness (the upstream never depends on them here); they're useful
	// for upstream-side logging only.
	if clientIP != "" {
		if existing := out.Get("X-Forwarded-For"); existing != "" {
			out.Set("X-Forwarded-For", existing+", "+clientIP)
		} else {
			out.Set("X-Forwarded-For", clientIP)
		}
	}

	return out
}

// ClientIP extracts the caller's address: X-Real-IP, then the first hop of
// X-Forwarded-For, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ips := r.Header.Get("X-Forwarded-For"); ips != "" {
		first := strings.Split(ips, ",")[0]
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
