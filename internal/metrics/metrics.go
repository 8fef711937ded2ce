// Package metrics exposes the debug counters named in the specification's
// error handling design: store failures and skipped/filtered elements are
// counted, not surfaced to the client as errors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreErrors counts ExistsOrRecord failures, across both the HTTP
	// timeline filter and the WebSocket update filter.
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivoryvalley_store_errors_total",
		Help: "Seen-URI store operations that failed and were treated conservatively (pass-through).",
	})

	// FilterSkipped counts responses that were eligible for timeline
	// filtering but failed to parse as a JSON array.
	FilterSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivoryvalley_filter_skipped_total",
		Help: "Eligible timeline responses that failed to parse as a JSON array and passed through unmodified.",
	})

	// TimelineFiltered counts individual status elements dropped as duplicates.
	TimelineFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivoryvalley_timeline_filtered_total",
		Help: "Status elements dropped from timeline responses as duplicates.",
	})

	// TimelineSkippedElements counts elements passed through because no
	// usable content URI could be determined.
	TimelineSkippedElements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivoryvalley_timeline_skipped_elements_total",
		Help: "Status elements passed through because a content URI could not be read.",
	})

	// StreamUpdateFiltered counts WebSocket "update" frames dropped as duplicates.
	StreamUpdateFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivoryvalley_stream_update_filtered_total",
		Help: "Streaming update events dropped as duplicates.",
	})

	// ActiveRelays gauges the number of live WebSocket relay connections.
	ActiveRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ivoryvalley_active_relays",
		Help: "Number of currently active client<->upstream WebSocket relays.",
	})
)
