// Package instance implements the Instance-Response Rewriter: on instance
// metadata responses, it rewrites any advertised streaming URL so the
// client keeps talking to the proxy instead of dialing the upstream
// directly.
package instance

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func gjsonExists(json, path string) bool {
	return gjson.Get(json, path).Exists()
}

// MetadataPaths are the instance-metadata endpoints the rewriter applies to.
var MetadataPaths = map[string]struct{}{
	"/api/v1/instance": {},
	"/api/v2/instance": {},
}

// IsMetadataPath reports whether path names an instance-metadata endpoint.
func IsMetadataPath(path string) bool {
	_, ok := MetadataPaths[path]
	return ok
}

// Rewrite replaces configuration.urls.streaming (v2) or urls.streaming_api
// (v1) with publicWebSocketURL, leaving every other field untouched. If the
// body isn't JSON or neither field is present, body is returned unchanged
// and ok is false.
func Rewrite(body []byte, publicWebSocketURL string) (out []byte, ok bool) {
	s := string(body)
	if !strings.HasPrefix(strings.TrimSpace(s), "{") || !gjson.Valid(s) {
		return body, false
	}

	changed := false
	result := s

	if gjsonExists(result, "configuration.urls.streaming") {
		updated, err := sjson.Set(result, "configuration.urls.streaming", publicWebSocketURL)
		if err == nil {
			result = updated
			changed = true
		}
	}

	if gjsonExists(result, "urls.streaming_api") {
		updated, err := sjson.Set(result, "urls.streaming_api", publicWebSocketURL)
		if err == nil {
			result = updated
			changed = true
		}
	}

	if !changed {
		return body, false
	}
	return []byte(result), true
}
