package wsrelay

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func newUpgradeRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	return &http.Request{Header: http.Header{}, URL: u}
}

func TestExtractAuth_AuthorizationHeader(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?stream=user")
	r.Header.Set("Authorization", "Bearer token-from-header")

	auth := ExtractAuth(r)
	if auth.Token != "token-from-header" {
		t.Fatalf("Token = %q, want token-from-header", auth.Token)
	}
	if auth.FromProtocol {
		t.Fatalf("FromProtocol = true, want false")
	}
	if auth.FromQuery {
		t.Fatalf("FromQuery = true, want false")
	}
}

func TestExtractAuth_SecWebSocketProtocol_AccessToken(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?stream=user")
	r.Header.Set("Sec-WebSocket-Protocol", "access_token, token-from-protocol")

	auth := ExtractAuth(r)
	if auth.Token != "token-from-protocol" {
		t.Fatalf("Token = %q, want token-from-protocol", auth.Token)
	}
	if !auth.FromProtocol {
		t.Fatalf("FromProtocol = false, want true")
	}
	if auth.protocolValue != "access_token, token-from-protocol" {
		t.Fatalf("protocolValue = %q, want %q", auth.protocolValue, "access_token, token-from-protocol")
	}
}

func TestExtractAuth_SecWebSocketProtocol_Bearer(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?stream=user")
	r.Header.Set("Sec-WebSocket-Protocol", "Bearer, another-token")

	auth := ExtractAuth(r)
	if auth.Token != "another-token" {
		t.Fatalf("Token = %q, want another-token", auth.Token)
	}
	if !auth.FromProtocol {
		t.Fatalf("FromProtocol = false, want true")
	}
}

func TestExtractAuth_QueryParam(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?stream=user&access_token=token-from-query")

	auth := ExtractAuth(r)
	if auth.Token != "token-from-query" {
		t.Fatalf("Token = %q, want token-from-query", auth.Token)
	}
	if auth.FromProtocol {
		t.Fatalf("FromProtocol = true, want false")
	}
	if !auth.FromQuery {
		t.Fatalf("FromQuery = false, want true")
	}
}

func TestExtractAuth_Precedence_HeaderBeatsProtocolAndQuery(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?access_token=token-from-query")
	r.Header.Set("Authorization", "Bearer token-from-header")
	r.Header.Set("Sec-WebSocket-Protocol", "access_token, token-from-protocol")

	auth := ExtractAuth(r)
	if auth.Token != "token-from-header" {
		t.Fatalf("Token = %q, want token-from-header", auth.Token)
	}
}

func TestExtractAuth_Absent(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?stream=user")

	auth := ExtractAuth(r)
	if auth.Token != "" {
		t.Fatalf("Token = %q, want empty", auth.Token)
	}
}

func TestUpstreamURL_SchemeDerivation(t *testing.T) {
	cases := []struct {
		upstreamScheme string
		wantScheme     string
	}{
		{"https", "wss"},
		{"http", "ws"},
	}
	for _, tc := range cases {
		upstream := &url.URL{Scheme: tc.upstreamScheme, Host: "mastodon.example"}
		got := UpstreamURL(upstream, "/api/v1/streaming", "stream=user", Auth{})
		if got.Scheme != tc.wantScheme {
			t.Fatalf("UpstreamURL() scheme = %q, want %q", got.Scheme, tc.wantScheme)
		}
	}
}

func TestUpstreamURL_InjectsAccessTokenForQueryAuth(t *testing.T) {
	upstream := &url.URL{Scheme: "https", Host: "mastodon.example"}
	auth := Auth{Token: "abc", FromQuery: true}

	got := UpstreamURL(upstream, "/api/v1/streaming", "stream=user", auth)

	if got.Query().Get("access_token") != "abc" {
		t.Fatalf("access_token query param = %q, want abc", got.Query().Get("access_token"))
	}
	if got.Query().Get("stream") != "user" {
		t.Fatalf("stream query param dropped")
	}
}

func TestUpstreamURL_DoesNotDoubleInjectAccessToken(t *testing.T) {
	upstream := &url.URL{Scheme: "https", Host: "mastodon.example"}
	auth := Auth{Token: "abc", FromQuery: true}

	got := UpstreamURL(upstream, "/api/v1/streaming", "access_token=already-there", auth)

	if got.RawQuery != "access_token=already-there" {
		t.Fatalf("RawQuery = %q, want unchanged", got.RawQuery)
	}
}

func TestUpstreamURL_ProtocolAuthDoesNotTouchQuery(t *testing.T) {
	upstream := &url.URL{Scheme: "https", Host: "mastodon.example"}
	auth := Auth{Token: "abc", FromProtocol: true}

	got := UpstreamURL(upstream, "/api/v1/streaming", "stream=user", auth)

	if got.RawQuery != "stream=user" {
		t.Fatalf("RawQuery = %q, want unchanged stream=user", got.RawQuery)
	}
}

// Regression test: a header-sourced token must never leak into the
// upstream-bound query string (it's forwarded via the Authorization header
// instead), even though it's neither FromProtocol nor FromQuery.
func TestUpstreamURL_HeaderAuthDoesNotTouchQuery(t *testing.T) {
	r := newUpgradeRequest(t, "/api/v1/streaming?stream=user")
	r.Header.Set("Authorization", "Bearer header-token")
	auth := ExtractAuth(r)

	if auth.FromProtocol || auth.FromQuery {
		t.Fatalf("auth = %+v, want neither FromProtocol nor FromQuery for header auth", auth)
	}

	upstream := &url.URL{Scheme: "https", Host: "mastodon.example"}
	got := UpstreamURL(upstream, "/api/v1/streaming", "stream=user", auth)

	if got.RawQuery != "stream=user" {
		t.Fatalf("RawQuery = %q, want unchanged stream=user (no access_token leaked)", got.RawQuery)
	}
	if strings.Contains(got.String(), "header-token") {
		t.Fatalf("upstream URL leaked the bearer token: %s", got.String())
	}
}
