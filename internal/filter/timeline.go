// Package filter implements the timeline JSON filter: given a response body
// that is a JSON array of Mastodon Status objects, it drops every element
// whose content URI has already been seen.
package filter

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/jensens/ivoryvalley/internal/mastodon"
	"github.com/jensens/ivoryvalley/internal/metrics"
	"github.com/jensens/ivoryvalley/internal/store"
)

// timelinePaths match the enumerated timeline endpoints, including the
// templated list/tag variants.
var timelinePaths = []*regexp.Regexp{
	regexp.MustCompile(`^/api/v1/timelines/home/?$`),
	regexp.MustCompile(`^/api/v1/timelines/public/?$`),
	regexp.MustCompile(`^/api/v1/timelines/list/[^/]+/?$`),
	regexp.MustCompile(`^/api/v1/timelines/tag/[^/]+/?$`),
}

// IsTimelinePath reports whether path names one of the timeline endpoints
// the filter applies to.
func IsTimelinePath(path string) bool {
	for _, re := range timelinePaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Eligible reports whether a response is eligible for timeline filtering,
// per the four conditions in the specification.
func Eligible(method, path, upstreamContentType string, upstreamStatus int) bool {
	if method != "GET" {
		return false
	}
	if upstreamStatus < 200 || upstreamStatus >= 300 {
		return false
	}
	if !IsTimelinePath(path) {
		return false
	}
	return strings.HasPrefix(upstreamContentType, "application/json")
}

// Stats reports what happened to a filtered body, for logging/metrics.
type Stats struct {
	Filtered int // elements dropped as duplicates
	Skipped  int // elements passed through because the URI couldn't be read
	Kept     int // elements retained in output
}

// Filter parses body as a JSON array, classifies each element against the
// store, and returns the reserialized array containing only first-seen
// elements (plus any elements whose URI could not be determined, which pass
// through conservatively).
//
// A body that doesn't parse as a JSON array is returned unmodified, with ok
// set to false (counted by callers as kind FilterSkipped, not an error).
func Filter(s *store.Store, log *zap.Logger, body []byte, now time.Time) (out []byte, stats Stats, ok bool) {
	parsed := gjson.ParseBytes(body)
	if !gjson.ValidBytes(body) || !parsed.IsArray() {
		return body, Stats{}, false
	}

	var b strings.Builder
	b.WriteByte('[')
	first := true

	parsed.ForEach(func(_, element gjson.Result) bool {
		raw := element.Raw

		uri, haveURI := mastodon.ContentURI(raw)
		keep := true

		switch {
		case !haveURI:
			stats.Skipped++

		default:
			outcome, err := s.ExistsOrRecord(uri, now)
			switch {
			case err != nil:
				// Store failure: prefer duplicates to data loss, per §4.4 step 3e.
				if log != nil {
					log.Warn("seen-uri store failed during timeline filter", zap.Error(err))
				}
				metrics.StoreErrors.Inc()
			case outcome == store.Duplicate:
				keep = false
				stats.Filtered++
			default:
				// Fresh
			}
		}

		if keep {
			if !first {
				b.WriteByte(',')
			}
			b.WriteString(raw)
			first = false
			stats.Kept++
		}

		return true
	})

	b.WriteByte(']')
	return []byte(b.String()), stats, true
}

// RewriteContentLength returns the Content-Length header value for body.
func RewriteContentLength(body []byte) string {
	return strconv.Itoa(len(body))
}
