// Package wsrelay implements the WebSocket Relay: it accepts a client
// upgrade, opens a corresponding upstream connection carrying the client's
// credentials, and runs a four-task bidirectional relay that filters
// upstream "update" events through the seen-URI store.
package wsrelay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jensens/ivoryvalley/internal/mastodon"
	"github.com/jensens/ivoryvalley/internal/metrics"
	"github.com/jensens/ivoryvalley/internal/perr"
	"github.com/jensens/ivoryvalley/internal/store"
)

const (
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultPingPeriod     = 45 * time.Second
	DefaultMaxMessageSize = 1 << 20 // 1MiB; streaming events are small JSON envelopes
	DefaultQueueCapacity  = 256
)

// Relay holds the configuration shared by every WebSocket proxy connection.
type Relay struct {
	store *store.Store
	log   *zap.Logger

	upgrader       websocket.Upgrader
	connectTimeout time.Duration
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	queueCapacity  int
}

// Option customizes a Relay's structure.
type Option func(*Relay)

func WithConnectTimeout(d time.Duration) Option { return func(r *Relay) { r.connectTimeout = d } }
func WithWriteWait(d time.Duration) Option      { return func(r *Relay) { r.writeWait = d } }
func WithPongWait(d time.Duration) Option       { return func(r *Relay) { r.pongWait = d } }
func WithPingPeriod(d time.Duration) Option     { return func(r *Relay) { r.pingPeriod = d } }
func WithMaxMessageSize(n int64) Option         { return func(r *Relay) { r.maxMessageSize = n } }
func WithQueueCapacity(n int) Option            { return func(r *Relay) { r.queueCapacity = n } }

// New constructs a Relay with sane defaults, customizable via Option.
func New(s *store.Store, log *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:          s,
		log:            log,
		connectTimeout: 10 * time.Second,
		writeWait:      DefaultWriteWait,
		pongWait:       DefaultPongWait,
		pingPeriod:     DefaultPingPeriod,
		maxMessageSize: DefaultMaxMessageSize,
		queueCapacity:  DefaultQueueCapacity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// frame is one queued message: either a data frame (Text/Binary) or a
// control frame (Ping/Pong/Close), always written by the single writer
// goroutine owning the destination connection.
type frame struct {
	msgType int
	data    []byte
}

// Serve upgrades the client connection, dials the corresponding upstream
// connection, and runs the relay until either side closes or the request
// context is cancelled.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, upstream *url.URL) error {
	auth := ExtractAuth(req)
	target := UpstreamURL(upstream, req.URL.Path, req.URL.RawQuery, auth)

	dialer := websocket.Dialer{
		HandshakeTimeout: r.connectTimeout,
	}

	header := http.Header{}
	if auth.Token != "" && !auth.FromProtocol {
		header.Set("Authorization", "Bearer "+auth.Token)
	}
	if auth.FromProtocol {
		dialer.Subprotocols = []string{auth.protocolValue}
	}

	upstreamConn, resp, err := dialer.DialContext(req.Context(), target.String(), header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		wsErr := perr.WithStatus(status, fmt.Errorf("dial upstream websocket: %w", err))
		http.Error(w, wsErr.Error(), status)
		return wsErr
	}

	var responseHeader http.Header
	if proto := upstreamConn.Subprotocol(); proto != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}

	clientConn, err := r.upgrader.Upgrade(w, req, responseHeader)
	if err != nil {
		upstreamConn.Close()
		return perr.WithStatus(http.StatusBadRequest, fmt.Errorf("upgrade client connection: %w", err))
	}

	metrics.ActiveRelays.Inc()
	defer metrics.ActiveRelays.Dec()

	r.run(req.Context(), clientConn, upstreamConn)
	return nil
}

// run drives the four-task bidirectional relay until any task ends, then
// tears down both connections. The group's derived context is cancelled
// explicitly by each task on exit, so the first task to return ends the
// other three: errgroup only owns the joining, not the signaling.
func (r *Relay) run(parentCtx context.Context, clientConn, upstreamConn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	g, ctx := errgroup.WithContext(ctx)

	toUpstream := make(chan frame, r.queueCapacity)
	toClient := make(chan frame, r.queueCapacity)

	go func() {
		<-ctx.Done()
		clientConn.Close()
		upstreamConn.Close()
	}()

	// Client -> Upstream: forward every frame verbatim.
	g.Go(func() error {
		defer cancel()
		r.readLoop(ctx, clientConn, toUpstream, nil)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		r.writeLoop(ctx, upstreamConn, toUpstream)
		return nil
	})

	// Upstream -> Client: filter "update" events through the seen-uri store.
	g.Go(func() error {
		defer cancel()
		r.readLoop(ctx, upstreamConn, toClient, r.filterUpdate)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		r.writeLoop(ctx, clientConn, toClient)
		return nil
	})

	g.Wait() //nolint:errcheck // tasks never return a non-nil error
}

// filterDecision is returned by a frame filter: forward it unchanged, or
// drop it silently.
type filterDecision int

const (
	forward filterDecision = iota
	drop
)

// readLoop reads frames from src and enqueues them onto dst, applying
// filterFn (if non-nil) to data frames only. Control frames observed via
// gorilla's Ping/Pong handlers are enqueued directly from the handler.
func (r *Relay) readLoop(ctx context.Context, src *websocket.Conn, dst chan frame, filterFn func([]byte) filterDecision) {
	src.SetReadLimit(r.maxMessageSize)
	src.SetReadDeadline(time.Now().Add(r.pongWait))
	src.SetPongHandler(func(appData string) error {
		src.SetReadDeadline(time.Now().Add(r.pongWait))
		enqueue(ctx, dst, frame{msgType: websocket.PongMessage, data: []byte(appData)})
		return nil
	})
	src.SetPingHandler(func(appData string) error {
		src.SetReadDeadline(time.Now().Add(r.pongWait))
		enqueue(ctx, dst, frame{msgType: websocket.PingMessage, data: []byte(appData)})
		return nil
	})

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				enqueue(ctx, dst, frame{msgType: websocket.CloseMessage, data: websocket.FormatCloseMessage(closeErr.Code, closeErr.Text)})
			}
			return
		}

		if msgType == websocket.TextMessage && filterFn != nil {
			if filterFn(data) == drop {
				continue
			}
		}

		if !enqueue(ctx, dst, frame{msgType: msgType, data: data}) {
			// queue full: slow consumer on this direction tears down the relay.
			return
		}
	}
}

// enqueue pushes f onto dst without blocking. It returns false (and the
// caller should abort) when the queue is full or ctx is already done.
func enqueue(ctx context.Context, dst chan frame, f frame) bool {
	select {
	case <-ctx.Done():
		return false
	case dst <- f:
		return true
	default:
		return false
	}
}

// writeLoop drains queue and writes each frame to dst until the queue is
// closed or ctx is cancelled. It also pings dst every pingPeriod, the same
// way the teacher's client.write() keeps a quiet connection alive.
func (r *Relay) writeLoop(ctx context.Context, dst *websocket.Conn, queue chan frame) {
	ticker := time.NewTicker(r.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-queue:
			if !ok {
				return
			}

			dst.SetWriteDeadline(time.Now().Add(r.writeWait))

			var err error
			switch f.msgType {
			case websocket.PingMessage, websocket.PongMessage, websocket.CloseMessage:
				err = dst.WriteControl(f.msgType, f.data, time.Now().Add(r.writeWait))
			default:
				err = dst.WriteMessage(f.msgType, f.data)
			}

			if err != nil {
				return
			}

			if f.msgType == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			if err := dst.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.writeWait)); err != nil {
				return
			}
		}
	}
}

// filterUpdate implements the upstream->client event filter: it parses a
// streaming envelope {event, payload}, and for event=="update" consults the
// seen-uri store on the payload's content URI. Parse or store failures
// forward the frame unchanged, per the conservative error policy.
func (r *Relay) filterUpdate(data []byte) filterDecision {
	event, payload, ok := parseEnvelope(data)
	if !ok || event != "update" {
		return forward
	}

	uri, ok := mastodon.ContentURI(payload)
	if !ok {
		return forward
	}

	outcome, err := r.store.ExistsOrRecord(uri, time.Now())
	if err != nil {
		if r.log != nil {
			r.log.Warn("seen-uri store failed during stream filter", zap.Error(err))
		}
		metrics.StoreErrors.Inc()
		return forward
	}

	if outcome == store.Duplicate {
		metrics.StreamUpdateFiltered.Inc()
		return drop
	}
	return forward
}
