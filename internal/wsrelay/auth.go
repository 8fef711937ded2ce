package wsrelay

import (
	"net/http"
	"net/url"
	"strings"
)

// Auth is the credential the client presented for the streaming connection,
// in whichever transport it arrived.
type Auth struct {
	Token string

	// FromProtocol records that the client transported its token via
	// Sec-WebSocket-Protocol, so the proxy must reply using the same
	// transport when dialing upstream.
	FromProtocol bool

	// FromQuery records that the client transported its token via the
	// access_token query parameter, so UpstreamURL keeps access_token in the
	// upstream query string; Serve also sends the token as an Authorization
	// header.
	FromQuery bool

	// protocolValue is the exact Sec-WebSocket-Protocol token the client sent,
	// reused verbatim when dialing upstream.
	protocolValue string
}

// ExtractAuth reads authentication from the client's upgrade request, in
// order: Authorization: Bearer header, Sec-WebSocket-Protocol token, then
// the access_token query parameter.
//
// Browsers can't set arbitrary headers on a WebSocket handshake, so clients
// that need to authenticate that way send the token as a second protocol
// entry: "Sec-WebSocket-Protocol: access_token, <token>" (or "Bearer,
// <token>"). The comma already separates the two entries at the HTTP layer,
// so by the time websocketProtocols splits the header, the marker and the
// token are two adjacent elements, not one string to prefix-match.
func ExtractAuth(r *http.Request) Auth {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return Auth{Token: strings.TrimPrefix(h, "Bearer ")}
	}

	protos := websocketProtocols(r)
	for i := 0; i+1 < len(protos); i++ {
		marker := protos[i]
		if marker == "access_token" || marker == "Bearer" {
			token := protos[i+1]
			if token != "" {
				return Auth{Token: token, FromProtocol: true, protocolValue: marker + ", " + token}
			}
		}
	}

	if token := r.URL.Query().Get("access_token"); token != "" {
		return Auth{Token: token, FromQuery: true}
	}

	return Auth{}
}

func websocketProtocols(r *http.Request) []string {
	h := r.Header.Get("Sec-WebSocket-Protocol")
	if h == "" {
		return nil
	}
	parts := strings.Split(h, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// UpstreamURL builds the upstream WebSocket URL: same path, query string
// preserved (with access_token ensured present only if the query was
// actually the client's transport), scheme matching the upstream's HTTP
// scheme.
//
// A header-sourced (or protocol-sourced) token must never be written into
// the upstream-bound query string: it's forwarded via the Authorization
// header (or Sec-WebSocket-Protocol) instead, and query strings end up in
// upstream access logs and any intermediary along the way.
func UpstreamURL(upstream *url.URL, inboundPath, inboundRawQuery string, auth Auth) *url.URL {
	scheme := "ws"
	if upstream.Scheme == "https" {
		scheme = "wss"
	}

	target := &url.URL{
		Scheme:   scheme,
		Host:     upstream.Host,
		Path:     inboundPath,
		RawQuery: inboundRawQuery,
	}

	if !auth.FromQuery || auth.Token == "" {
		return target
	}

	q := target.Query()
	if q.Get("access_token") == "" {
		q.Set("access_token", auth.Token)
		target.RawQuery = q.Encode()
	}

	return target
}
