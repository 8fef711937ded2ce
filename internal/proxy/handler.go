// Package proxy orchestrates the HTTP Proxy Handler: transform, forward,
// and (conditionally) filter a single request/response pair.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jensens/ivoryvalley/internal/filter"
	"github.com/jensens/ivoryvalley/internal/instance"
	"github.com/jensens/ivoryvalley/internal/metrics"
	"github.com/jensens/ivoryvalley/internal/perr"
	"github.com/jensens/ivoryvalley/internal/store"
	"github.com/jensens/ivoryvalley/internal/traffic"
	"github.com/jensens/ivoryvalley/internal/transform"
	"github.com/jensens/ivoryvalley/internal/upstream"
)

// Handler forwards client requests to the single configured upstream
// origin, applying the timeline filter and instance rewriter where
// eligible.
type Handler struct {
	Upstream           *url.URL
	Client             *upstream.Client
	Store              *store.Store
	Log                *zap.Logger
	MaxBodySize        int64
	Recorder           *traffic.Recorder
	PublicWebSocketURL string
}

// ServeHTTP implements the orchestration described in §4.5: transform,
// forward, then rewrite or filter depending on the response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := readLimited(r.Body, h.MaxBodySize)
	if err != nil {
		writeError(w, perr.New(perr.KindBodyTooLarge, err))
		return
	}

	target := transform.Target(h.Upstream, r.URL.Path, r.URL.RawQuery)
	outboundHeaders := transform.Headers(r.Header, h.Upstream.Host, transform.ClientIP(r))

	ctx, cancel := context.WithTimeout(r.Context(), h.Client.Timeout())
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		writeError(w, perr.New(perr.KindUpstreamIO, err))
		return
	}
	outReq.Header = outboundHeaders

	resp, err := h.Client.Do(outReq)
	if err != nil {
		writeError(w, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, h.MaxBodySize)
	if err != nil {
		writeError(w, perr.New(perr.KindUpstreamIO, err))
		return
	}

	respBody = h.postProcess(r, resp, respBody)

	if h.Recorder != nil {
		h.record(r, resp, body, respBody)
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// postProcess applies the instance rewriter or the timeline filter when the
// response is eligible, per §4.5 steps 3-5.
func (h *Handler) postProcess(r *http.Request, resp *http.Response, body []byte) []byte {
	if instance.IsMetadataPath(r.URL.Path) {
		if rewritten, ok := instance.Rewrite(body, h.PublicWebSocketURL); ok {
			return rewritten
		}
		return body
	}

	contentType := resp.Header.Get("Content-Type")
	if filter.Eligible(r.Method, r.URL.Path, contentType, resp.StatusCode) {
		out, stats, ok := filter.Filter(h.Store, h.Log, body, time.Now())
		if !ok {
			metrics.FilterSkipped.Inc()
			return body
		}
		metrics.TimelineFiltered.Add(float64(stats.Filtered))
		metrics.TimelineSkippedElements.Add(float64(stats.Skipped))
		return out
	}

	return body
}

func (h *Handler) record(r *http.Request, resp *http.Response, reqBody, respBody []byte) {
	ex := traffic.Exchange{
		Time:   time.Now(),
		Method: r.Method,
		Path:   r.URL.Path,
		Status: resp.StatusCode,
		Request: traffic.RecordedMessage{
			Headers: traffic.Redact(r.Header),
			Body:    string(reqBody),
		},
		Response: traffic.RecordedMessage{
			Headers: traffic.Redact(resp.Header),
			Body:    string(respBody),
		},
	}
	if err := h.Recorder.Record(ex); err != nil && h.Log != nil {
		h.Log.Warn("failed to record traffic", zap.Error(err))
	}
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("body exceeds maximum size of %d bytes", max)
	}
	return body, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if k == "Content-Length" || transform.IsHopByHop(k) {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}

func writeError(w http.ResponseWriter, err error) {
	pe, ok := asProxyError(err)
	status := http.StatusBadGateway
	if ok {
		status = pe.HTTPStatus()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, err.Error())
}

func asProxyError(err error) (*perr.Error, bool) {
	pe, ok := err.(*perr.Error)
	return pe, ok
}
