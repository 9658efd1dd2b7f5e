// Package middleware implements the HTTP long-poll / chunked-streaming
// endpoint: a single POST route that accepts a map of channel to
// last-seen-id, returns any immediate backlog, or parks the raw connection
// until a matching message arrives or a cleanup timer fires.
//
// The HTTP server adapter's hijack/streaming primitives belong to the host
// server; this package only requires http.Hijacker, which every stdlib
// HTTP/1.1 response satisfies.
package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/bus"
	"github.com/adred-codev/messagebus/internal/chunked"
	"github.com/adred-codev/messagebus/internal/client"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/adred-codev/messagebus/internal/metrics"
	"github.com/adred-codev/messagebus/internal/ratelimit"
	"github.com/adred-codev/messagebus/internal/timer"
	"github.com/rs/zerolog"
)

// DefaultLongPollInterval is the cleanup timer duration applied when a
// request has no configured override.
const DefaultLongPollInterval = 25 * time.Second

// seqFieldName is the client-supplied monotonic sequence number, carried as
// a form field (and tolerated as a JSON body key for symmetry).
const seqFieldName = "__seq"

// Handler serves the long-poll endpoint at Prefix. The zero value is not
// usable; construct with New.
type Handler struct {
	bus              *bus.Bus
	tmr              *timer.Timer
	prefix           string
	longPollInterval time.Duration
	logger           zerolog.Logger
	limiter          *ratelimit.Limiter
	reg              *metrics.Registry
	diagnostics      http.Handler
}

// WithDiagnostics attaches the external diagnostics subsystem: requests under
// <prefix>_diagnostics/ are dispatched to it verbatim, before any method or
// client-id handling. Nil (the default) serves 404 for those paths.
func (h *Handler) WithDiagnostics(d http.Handler) *Handler {
	h.diagnostics = d
	return h
}

// WithRateLimiter attaches an admission limiter: requests whose remote IP
// has exhausted its token bucket are rejected with 429 before any lookup
// hook or backend call runs. Nil (the default) disables rate limiting.
func (h *Handler) WithRateLimiter(l *ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

// WithMetrics attaches a metrics registry: ServeHTTP records the poll
// outcome counter (backlog_hit/dlp/parked) and park tracks the active
// parked-connection gauge and observes LongPollDuration when a parked
// connection closes. Nil (the default) disables instrumentation.
func (h *Handler) WithMetrics(reg *metrics.Registry) *Handler {
	h.reg = reg
	return h
}

func (h *Handler) recordOutcome(outcome string) {
	if h.reg == nil {
		return
	}
	h.reg.PollOutcomes.WithLabelValues(outcome).Inc()
}

// New builds a Handler bound to b, serving requests whose path begins with
// prefix (e.g. "/message-bus/"). longPollInterval <= 0 uses
// DefaultLongPollInterval.
func New(b *bus.Bus, prefix string, longPollInterval time.Duration, logger zerolog.Logger) *Handler {
	if longPollInterval <= 0 {
		longPollInterval = DefaultLongPollInterval
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	h := &Handler{
		bus:              b,
		prefix:           prefix,
		longPollInterval: longPollInterval,
		logger:           logger.With().Str("component", "middleware").Logger(),
	}
	h.tmr = timer.New(func(r interface{}) {
		h.logger.Error().Interface("panic", r).Msg("recovered panic in middleware cleanup timer")
	})
	return h
}

// clientID extracts <client_id> from <prefix><client_id>[/<ignored>],
// reporting false if path does not match the route at all.
func (h *Handler) clientID(path string) (string, bool) {
	if !strings.HasPrefix(path, h.prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, h.prefix)
	if rest == "" {
		return "", false
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// fail writes an error response, first offering the configured
// OnMiddlewareError hook the chance to map err to its own response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, status int, msg string) {
	if hook := h.bus.Hooks().OnMiddlewareError; hook != nil && hook(w, r, err) {
		return
	}
	http.Error(w, msg, status)
}

// ServeHTTP resolves the caller's identity, assembles the immediate
// backlog, and either responds with it or parks the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, h.prefix+"_diagnostics") {
		if h.diagnostics == nil {
			http.NotFound(w, r)
			return
		}
		h.diagnostics.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := h.clientID(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if id == "broadcast" {
		h.serveBroadcast(w, r)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(remoteIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	hooks := h.bus.Hooks()

	var userID *int64
	if hooks.UserIDLookup != nil {
		v, err := hooks.UserIDLookup(r)
		if err != nil {
			h.fail(w, r, err, http.StatusUnauthorized, "user lookup failed")
			return
		}
		userID = v
	}

	var groupIDs []int64
	if hooks.GroupIDsLookup != nil {
		v, err := hooks.GroupIDsLookup(r)
		if err != nil {
			h.fail(w, r, err, http.StatusUnauthorized, "group lookup failed")
			return
		}
		groupIDs = v
	}

	var siteID string
	if hooks.SiteIDLookup != nil {
		v, err := hooks.SiteIDLookup(r)
		if err != nil {
			h.fail(w, r, err, http.StatusUnauthorized, "site lookup failed")
			return
		}
		siteID = v
	}

	subs, seq, err := parseBody(r)
	if err != nil {
		h.fail(w, r, err, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	c := h.bus.NewClient(id, siteID)
	c.UserID = userID
	c.GroupIDs = groupIDs
	c.Seq = seq
	c.ConnectTime = time.Now()
	c.UseChunked = r.Header.Get("Dont-Chunk") != "true"

	ctx := r.Context()
	for channel, lastID := range subs {
		if err := c.Subscribe(ctx, channel, lastID); err != nil {
			h.fail(w, r, err, http.StatusBadGateway, fmt.Sprintf("subscribe %s: %v", channel, err))
			return
		}
	}

	backlog, err := c.Backlog(ctx)
	if err != nil {
		h.fail(w, r, err, http.StatusBadGateway, fmt.Sprintf("backlog: %v", err))
		return
	}

	extraHeaders := map[string]string{}
	if hooks.ExtraResponseHeadersLookup != nil {
		v, err := hooks.ExtraResponseHeadersLookup(r)
		if err == nil {
			extraHeaders = v
		}
	}

	conn, bw, err := hijack(w)
	if err != nil {
		h.logger.Error().Err(err).Msg("hijack failed, falling back to non-streaming response")
		h.respondWithoutHijack(w, c, backlog, extraHeaders)
		return
	}

	sw := newSocketWriter(conn, bw, c.UseChunked)
	writeStatusAndHeaders(sw, c.UseChunked, extraHeaders)

	if len(backlog) > 0 {
		c.SetWriter(sw)
		_ = c.Deliver(backlog)
		_ = sw.WriteTerminal()
		h.recordOutcome("backlog_hit")
		return
	}

	dlp := r.URL.Query().Get("dlp") == "t"
	if dlp {
		c.SetWriter(sw)
		_ = c.Deliver(nil)
		_ = sw.WriteTerminal()
		h.recordOutcome("dlp")
		return
	}

	h.park(c, sw)
}

// serveBroadcast handles the admin-gated publish route:
// POST <base>/message-bus/broadcast?channel=<c>&data=<d>. It requires
// IsAdminLookup to be configured and to report true; any other outcome is
// a 403.
func (h *Handler) serveBroadcast(w http.ResponseWriter, r *http.Request) {
	hooks := h.bus.Hooks()
	if hooks.IsAdminLookup == nil {
		http.Error(w, "broadcast not enabled", http.StatusForbidden)
		return
	}
	admin, err := hooks.IsAdminLookup(r)
	if err != nil || !admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	data := r.URL.Query().Get("data")

	var siteID string
	if hooks.SiteIDLookup != nil {
		v, err := hooks.SiteIDLookup(r)
		if err != nil {
			http.Error(w, "site lookup failed", http.StatusUnauthorized)
			return
		}
		siteID = v
	}

	globalID, err := h.bus.Publish(r.Context(), channel, json.RawMessage(strconv.Quote(data)), siteID, bus.Targets{}, backend.PublishOptions{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"global_id": globalID})
}

// park registers c for delivery and schedules the cleanup timer: if nothing
// arrives before longPollInterval, the Client is closed with an empty
// payload.
func (h *Handler) park(c *client.Client, sw *socketWriter) {
	c.SetWriter(sw)
	h.recordOutcome("parked")

	parkedAt := time.Now()
	if h.reg != nil {
		h.reg.ParkedConnections.Inc()
	}
	c.OnClose = func() {
		if h.reg == nil {
			return
		}
		h.reg.ParkedConnections.Dec()
		h.reg.LongPollDuration.Observe(time.Since(parkedAt).Seconds())
	}

	handle := h.tmr.Queue(h.longPollInterval, func() {
		h.bus.Unregister(c.ID)
		_ = c.Close()
	})
	c.CancelTimer = handle.Cancel

	if !h.bus.Register(c) {
		handle.Cancel()
		_ = c.Close()
	}
}

// captureWriter implements client.Writer by keeping the last batch in
// memory instead of touching a socket, for response paths that never park.
type captureWriter struct{ body []byte }

func (c *captureWriter) WriteBatch(body []byte) error { c.body = body; return nil }
func (c *captureWriter) WriteTerminal() error { return nil }
func (c *captureWriter) Closed() bool { return false }

// respondWithoutHijack handles the (in stdlib HTTP, essentially impossible)
// case where the ResponseWriter doesn't support Hijack: deliver only the
// immediate backlog and never park, since there is no way to hold the
// connection open across the handler's return.
func (h *Handler) respondWithoutHijack(w http.ResponseWriter, c *client.Client, backlog []message.Message, extraHeaders map[string]string) {
	cw := &captureWriter{}
	c.SetWriter(cw)
	_ = c.Deliver(backlog)

	w.Header().Set("Cache-Control", "must-revalidate, private, max-age=0")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for k, v := range extraHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cw.body)
}

// hijack takes over the raw connection from the host HTTP server. It
// returns the underlying net.Conn and a
// bufio.ReadWriter whose buffered writer is used for all further writes.
func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: ResponseWriter does not support Hijack")
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		return nil, nil, err
	}
	return conn, bufrw, nil
}

func writeStatusAndHeaders(sw *socketWriter, chunkedMode bool, extra map[string]string) {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Cache-Control: must-revalidate, private, max-age=0\r\n")
	if chunkedMode {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		b.WriteString("Transfer-Encoding: chunked\r\n")
		b.WriteString("X-Content-Type-Options: nosniff\r\n")
	} else {
		b.WriteString("Content-Type: application/json; charset=utf-8\r\n")
		b.WriteString("Connection: close\r\n")
	}
	for k, v := range extra {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	sw.writeRaw(b.Bytes())
}

// socketWriter implements client.Writer over a hijacked raw connection. For
// chunked mode, every WriteBatch call is one HTTP chunk framed by
// internal/chunked. For non-chunked long-poll, the connection only ever
// carries a single response body; WriteBatch writes the JSON array verbatim
// and closes the connection since there is no way to signal message
// boundaries without chunking.
type socketWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	bw      *bufio.ReadWriter
	chunked bool
	closed  bool
}

func newSocketWriter(conn net.Conn, bw *bufio.ReadWriter, chunkedMode bool) *socketWriter {
	return &socketWriter{conn: conn, bw: bw, chunked: chunkedMode}
}

func (w *socketWriter) writeRaw(b []byte) {
	_, _ = w.bw.Write(b)
	_ = w.bw.Flush()
}

func (w *socketWriter) WriteBatch(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("middleware: write to closed connection")
	}
	if w.chunked {
		if err := chunked.WriteChunk(w.bw, body); err != nil {
			w.closed = true
			return err
		}
		return w.bw.Flush()
	}
	if _, err := w.bw.Write(body); err != nil {
		w.closed = true
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.closed = true
		return err
	}
	w.closed = true
	return w.conn.Close()
}

func (w *socketWriter) WriteTerminal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if w.chunked {
		_ = chunked.WriteTerminal(w.bw)
		_ = w.bw.Flush()
	} else {
		_, _ = w.bw.Write([]byte("[]"))
		_ = w.bw.Flush()
	}
	w.closed = true
	return w.conn.Close()
}

func (w *socketWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// remoteIP strips the port from r.RemoteAddr, falling back to the raw
// value if it isn't a host:port pair (e.g. in tests using httptest).
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseBody decodes either an application/x-www-form-urlencoded body
// (<channel>=<last_id> pairs plus __seq) or a JSON object mapping channel
// to last_id. A nil map entry means the request carried no id
// for that channel (empty string or JSON null) and the subscription starts
// at the channel's current last id.
func parseBody(r *http.Request) (subs map[string]*int64, seq int64, err error) {
	subs = make(map[string]*int64)

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		var raw map[string]interface{}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, 0, err
		}
		for k, v := range raw {
			n, err := coerceLastID(v)
			if err != nil {
				return nil, 0, fmt.Errorf("channel %q: %w", k, err)
			}
			if k == seqFieldName {
				if n != nil {
					seq = *n
				}
				continue
			}
			subs[k] = n
		}
		return subs, seq, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, 0, err
	}
	for k, vals := range r.PostForm {
		if len(vals) == 0 {
			continue
		}
		if vals[0] == "" {
			if k != seqFieldName {
				subs[k] = nil
			}
			continue
		}
		n, err := strconv.ParseInt(vals[0], 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("field %q: %w", k, err)
		}
		if k == seqFieldName {
			seq = n
			continue
		}
		subs[k] = &n
	}
	return subs, seq, nil
}

// coerceLastID accepts the value shapes a JSON body may carry for a
// last-seen id: a number, a numeric string, or null/"" for "current last
// id".
func coerceLastID(v interface{}) (*int64, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, err
		}
		return &n, nil
	case string:
		if val == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, err
		}
		return &n, nil
	default:
		return nil, fmt.Errorf("unsupported last-id value %T", v)
	}
}
