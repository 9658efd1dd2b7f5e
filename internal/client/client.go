// Package client implements the per-connection subscriber: the unit through
// which published messages reach one HTTP long-poll (or chunked-streaming)
// connection. It knows nothing about sockets; Writer abstracts the actual
// transport so the middleware package owns hijack/chunking concerns.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/messagebus/internal/message"
)

// StatusChannel is the synthetic channel a consolidated backlog status
// entry is reported on.
const StatusChannel = "/__status"

// FlushChannel is the distinguished channel reserved for a
// server-requested cursor reset: publishing to it (optionally scoped by
// Targets) tells every matching connected client to forget its current
// cursors and resume "from now", the same way a backend reset does.
const FlushChannel = "/__flush"

// Source is the subset of Backend/Bus operations a Client needs to compute
// its own backlog. The bus implements this against already site-scoped
// storage names; the Client only ever deals in public channel names.
type Source interface {
	LastID(ctx context.Context, channel string) (int64, error)
	Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error)
}

// Filter is a permission hook registered by channel prefix, evaluated
// after the built-in targeting checks. Func returning false denies
// delivery of msg to c.
type Filter struct {
	Prefix string
	Func   func(c *Client, msg message.Message) bool
}

// Writer is the transport-facing half of a Client, implemented by the
// middleware package for a single HTTP response (hijacked socket or plain
// ResponseWriter). WriteBatch is called once for a non-chunked client and
// potentially many times for a chunked one.
type Writer interface {
	WriteBatch(body []byte) error
	WriteTerminal() error
	Closed() bool
}

// OutMessage is the JSON shape delivered to a client:
// {global_id, message_id, channel, data}.
type OutMessage struct {
	GlobalID int64           `json:"global_id"`
	ID       int64           `json:"message_id"`
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
}

// Client is one long-poll/chunked connection's subscription state.
type Client struct {
	ID          string
	UserID      *int64
	GroupIDs    []int64
	SiteID      string
	Seq         int64
	ConnectTime time.Time
	UseChunked  bool

	source  Source
	filters []Filter

	mu            sync.Mutex
	subscriptions map[string]int64 // channel -> last_seen_id cursor

	writerMu sync.Mutex
	writer   Writer
	closed   bool

	// CancelTimer, when set, is invoked by Close to cancel the middleware's
	// long-poll cleanup timer. Left nil for a request that never parked.
	CancelTimer func()

	// OnClose, when set, is invoked once by Close after CancelTimer, from
	// whichever path closes the connection first (cleanup timer, delivery,
	// or a failed Register). The middleware uses it to keep parked-
	// connection metrics accurate regardless of which path fired.
	OnClose func()
}

// New constructs a Client bound to source for backlog resolution and filters
// for permission evaluation. writer may be nil for a Client that is only
// ever used to compute an immediate (non-parked) backlog.
func New(id string, source Source, filters []Filter) *Client {
	return &Client{
		ID:            id,
		ConnectTime:   time.Now(),
		source:        source,
		filters:       filters,
		subscriptions: make(map[string]int64),
	}
}

// SetWriter attaches the transport writer once a connection is parked or
// about to be responded to.
func (c *Client) SetWriter(w Writer) {
	c.writerMu.Lock()
	c.writer = w
	c.writerMu.Unlock()
}

// Subscribe records interest in channel starting after lastSeenID. A nil
// lastSeenID (the request omitted the channel, or sent an empty value) is
// resolved immediately to the channel's current last id: the connection
// bookmarks its position silently, with no backlog and no status entry.
func (c *Client) Subscribe(ctx context.Context, channel string, lastSeenID *int64) error {
	cursor := int64(0)
	if lastSeenID == nil {
		id, err := c.source.LastID(ctx, channel)
		if err != nil {
			return fmt.Errorf("client: resolving current last id for %q: %w", channel, err)
		}
		cursor = id
	} else {
		cursor = *lastSeenID
	}

	c.mu.Lock()
	c.subscriptions[channel] = cursor
	c.mu.Unlock()
	return nil
}

// Channels returns the currently subscribed channel names, sorted for
// deterministic iteration.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Allowed evaluates the permission precedence for msg: client_ids first,
// then user/group targeting, then the registered prefix filters.
func (c *Client) Allowed(msg message.Message) bool {
	if len(msg.ClientIDs) > 0 {
		found := false
		for _, id := range msg.ClientIDs {
			if id == c.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if len(msg.UserIDs) > 0 || len(msg.GroupIDs) > 0 {
		allowed := false
		if c.UserID != nil {
			for _, u := range msg.UserIDs {
				if u == *c.UserID {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			for _, g := range msg.GroupIDs {
				for _, cg := range c.GroupIDs {
					if g == cg {
						allowed = true
						break
					}
				}
				if allowed {
					break
				}
			}
		}
		if !allowed {
			return false
		}
	}

	for _, f := range c.filters {
		if f.Prefix != "" && !hasPrefix(msg.Channel, f.Prefix) {
			continue
		}
		if !f.Func(c, msg) {
			return false
		}
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Backlog computes the immediate delivery set, updating each
// subscription's cursor as a side effect so a subsequent call only returns
// what's new since this one.
func (c *Client) Backlog(ctx context.Context) ([]message.Message, error) {
	channels := c.Channels()
	if len(channels) == 0 {
		return nil, nil
	}

	var out []message.Message
	status := make(map[string]int64)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, channel := range channels {
		cursor := c.subscriptions[channel]

		lastID, err := c.source.LastID(ctx, channel)
		if err != nil {
			return nil, fmt.Errorf("client: last id for %q: %w", channel, err)
		}

		switch {
		case cursor == -1:
			status[channel] = lastID
			c.subscriptions[channel] = lastID

		case cursor < -1:
			// "last |n|-1 messages": resolve relative to the current last id.
			since := lastID + cursor + 1
			if since < 0 {
				since = 0
			}
			msgs, err := c.fetchPermitted(ctx, channel, since)
			if err != nil {
				return nil, err
			}
			if len(msgs.raw) > 0 && len(msgs.permitted) == 0 {
				status[channel] = lastID
			} else {
				out = append(out, msgs.permitted...)
			}
			c.subscriptions[channel] = lastID

		case cursor > lastID:
			// Client is ahead of the bus: a reset happened underneath it.
			status[channel] = lastID
			c.subscriptions[channel] = -1

		case cursor < lastID:
			msgs, err := c.fetchPermitted(ctx, channel, cursor)
			if err != nil {
				return nil, err
			}
			if len(msgs.raw) > 0 && len(msgs.permitted) == 0 {
				status[channel] = lastID
			} else {
				out = append(out, msgs.permitted...)
			}
			c.subscriptions[channel] = lastID

		default: // cursor == lastID: nothing new, no status noise.
		}
	}

	if len(status) > 0 {
		data, err := json.Marshal(status)
		if err != nil {
			return nil, fmt.Errorf("client: marshaling status: %w", err)
		}
		out = append(out, message.Message{Channel: StatusChannel, Data: data})
	}

	return out, nil
}

// Flush implements the /__flush distinguished channel: every
// currently subscribed channel's cursor is reset to -1 ("from now"), and a
// /__status-shaped message reporting the reset is returned for the caller
// to deliver, the same consolidated shape Backlog's own drift-detection
// status uses.
func (c *Client) Flush() message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := make(map[string]int64, len(c.subscriptions))
	for channel := range c.subscriptions {
		c.subscriptions[channel] = -1
		status[channel] = -1
	}
	data, err := json.Marshal(status)
	if err != nil {
		data = json.RawMessage("{}")
	}
	return message.Message{Channel: StatusChannel, Data: data}
}

type permittedBacklog struct {
	raw       []message.Message
	permitted []message.Message
}

func (c *Client) fetchPermitted(ctx context.Context, channel string, sinceID int64) (permittedBacklog, error) {
	raw, err := c.source.Backlog(ctx, channel, sinceID)
	if err != nil {
		return permittedBacklog{}, fmt.Errorf("client: backlog for %q: %w", channel, err)
	}
	permitted := make([]message.Message, 0, len(raw))
	for _, m := range raw {
		if c.Allowed(m) {
			permitted = append(permitted, m)
		}
	}
	return permittedBacklog{raw: raw, permitted: permitted}, nil
}

// Deliver writes msgs (a Client's Backlog(), or a single routed live message
// batched by the caller) as one JSON array. Non-chunked clients get a single
// response body; chunked clients get one more framed chunk on an
// already-open stream. An empty slice still writes "[]" so a chunked client
// gets a keepalive frame that defeats proxy read-timeouts.
func (c *Client) Deliver(msgs []message.Message) error {
	out := make([]OutMessage, len(msgs))
	for i, m := range msgs {
		out[i] = OutMessage{GlobalID: m.GlobalID, ID: m.ID, Channel: m.Channel, Data: m.Data}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("client: marshaling delivery: %w", err)
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	if c.writer == nil || c.closed {
		return nil
	}
	if err := c.writer.WriteBatch(body); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// Closed reports whether the connection has already been torn down, either
// locally via Close or because the underlying writer reports the socket is
// gone.
func (c *Client) Closed() bool {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	if c.closed {
		return true
	}
	return c.writer != nil && c.writer.Closed()
}

// Close is idempotent: cancels the cleanup timer, writes a terminal frame
// (or the plain "[]" non-chunked responses already carry), and releases the
// writer. Safe to call more than once.
func (c *Client) Close() error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.CancelTimer != nil {
		c.CancelTimer()
	}
	if c.OnClose != nil {
		c.OnClose()
	}
	if c.writer == nil {
		return nil
	}
	return c.writer.WriteTerminal()
}
