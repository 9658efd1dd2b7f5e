// Package httpclient implements the polling-consumer side of the bus
// protocol: a plain HTTP client that speaks the same
// long-poll/chunked-streaming wire format internal/middleware serves, for a
// separate process that wants to consume the bus without embedding it.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/messagebus/internal/chunked"
	"github.com/rs/zerolog"
)

// Message mirrors the wire object the server emits:
// {global_id, message_id, channel, data}.
type Message struct {
	GlobalID int64           `json:"global_id"`
	ID       int64           `json:"message_id"`
	Channel  string          `json:"channel"`
	Data     json.RawMessage `json:"data"`
}

// Client polls one long-poll endpoint on behalf of a single client_id. It
// keeps no per-channel cursors: every call takes the channel -> last-seen-id
// map from the caller, and only the __seq value is carried between calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	logger     zerolog.Logger

	seq int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for custom
// timeouts or TLS config).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSeq sets the initial __seq value sent on the first request.
func WithSeq(seq int64) Option {
	return func(c *Client) { c.seq = seq }
}

// New builds a Client polling baseURL (e.g. "http://localhost:8080/message-bus")
// as clientID.
func New(baseURL, clientID string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		clientID:   clientID,
		logger:     logger.With().Str("component", "httpclient").Str("client_id", clientID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Poll issues a single request carrying subs (channel -> last-seen-id),
// waits for the immediate or long-polled response, and returns the messages
// of its first delivery; on a chunked stream, later deliveries over the same
// connection are not read. dontChunk asks the server to use a plain
// single-shot JSON response instead of chunked framing.
func (c *Client) Poll(ctx context.Context, subs map[string]int64, dontChunk bool) ([]Message, error) {
	var batches [][]Message
	err := c.stream(ctx, subs, dontChunk, func(msgs []Message) error {
		batches = append(batches, msgs)
		return errStopAfterFirst
	})
	if err != nil && err != errStopAfterFirst {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return batches[0], nil
}

// errStopAfterFirst is a sentinel the internal callback returns to end
// streaming after the first delivery, without being a real failure.
var errStopAfterFirst = fmt.Errorf("httpclient: stop after first batch")

// Stream issues one request and invokes onBatch for every delivery the
// server sends over it (meaningful when the server streams multiple
// chunked batches over a single long-poll connection). It returns when the
// server closes the connection or ctx is canceled.
func (c *Client) Stream(ctx context.Context, subs map[string]int64, onBatch func(msgs []Message) error) error {
	return c.stream(ctx, subs, false, onBatch)
}

// StreamWithOptions is Stream with the dontChunk knob exposed, for callers
// (such as cmd/mbpoll) that want to force single-shot responses.
func (c *Client) StreamWithOptions(ctx context.Context, subs map[string]int64, dontChunk bool, onBatch func(msgs []Message) error) error {
	return c.stream(ctx, subs, dontChunk, onBatch)
}

func (c *Client) stream(ctx context.Context, subs map[string]int64, dontChunk bool, onBatch func(msgs []Message) error) error {
	req, err := c.buildRequest(ctx, subs, dontChunk)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("httpclient: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if strings.Contains(resp.Header.Get("Transfer-Encoding"), "chunked") ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		return c.consumeChunked(resp.Body, onBatch)
	}
	return c.consumeSingle(resp.Body, onBatch)
}

func (c *Client) consumeSingle(body io.Reader, onBatch func(msgs []Message) error) error {
	var msgs []Message
	if err := json.NewDecoder(body).Decode(&msgs); err != nil {
		return fmt.Errorf("httpclient: decoding response: %w", err)
	}
	if err := onBatch(msgs); err != nil {
		if err == errStopAfterFirst {
			return err
		}
		return fmt.Errorf("httpclient: batch handler: %w", err)
	}
	return nil
}

func (c *Client) consumeChunked(body io.Reader, onBatch func(msgs []Message) error) error {
	r := chunked.NewFrameReader(body)
	for {
		frame, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("httpclient: reading chunk: %w", err)
		}
		var msgs []Message
		if len(bytes.TrimSpace(frame)) > 0 {
			if err := json.Unmarshal(frame, &msgs); err != nil {
				return fmt.Errorf("httpclient: decoding frame: %w", err)
			}
		}
		if err := onBatch(msgs); err != nil {
			if err == errStopAfterFirst {
				return err
			}
			return fmt.Errorf("httpclient: batch handler: %w", err)
		}
	}
}

func (c *Client) buildRequest(ctx context.Context, subs map[string]int64, dontChunk bool) (*http.Request, error) {
	form := url.Values{}
	for channel, lastID := range subs {
		form.Set(channel, strconv.FormatInt(lastID, 10))
	}
	form.Set("__seq", strconv.FormatInt(c.seq, 10))

	endpoint := c.baseURL + "/" + url.PathEscape(c.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("httpclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if dontChunk {
		req.Header.Set("Dont-Chunk", "true")
	}
	return req, nil
}

// SetSeq overrides the sequence number sent on the next request, for a
// caller that wants to displace its own previous connection deliberately.
func (c *Client) SetSeq(seq int64) { c.seq = seq }

// LongPollTimeout is a convenience default for callers choosing an HTTP
// client timeout: the server's default cleanup interval (25s) plus a 5s
// margin.
const LongPollTimeout = 25*time.Second + 5*time.Second
