// Package bus implements the publish/subscribe facade: the single entry
// point publishers call, the channel-name/site encoding, hook registration,
// the subscriber goroutine that drives the backend firehose, and the
// keepalive watchdog that recovers from a silently dead backend connection.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/client"
	"github.com/adred-codev/messagebus/internal/connmgr"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/adred-codev/messagebus/internal/metrics"
	"github.com/adred-codev/messagebus/internal/timer"
	"github.com/rs/zerolog"
)

// KeepaliveChannel is the reserved channel the keepalive watchdog publishes
// on, restricted to user id -1 so no ordinary subscriber ever sees it
// through the permission check.
const KeepaliveChannel = "/__mb_keepalive__/"

// keepaliveUserID is the distinguished, unassignable user id keepalive
// messages are targeted at.
const keepaliveUserID = int64(-1)

// MinKeepaliveInterval is the smallest interval the watchdog honors;
// anything shorter turns the heartbeat into measurable publish load.
const MinKeepaliveInterval = 20 * time.Second

var (
	// ErrDestroyed is returned by Publish once the Bus has been destroyed.
	ErrDestroyed = errors.New("bus: destroyed")
	// ErrInvalidChannel is returned for a channel name the bus will not store.
	ErrInvalidChannel = errors.New("bus: invalid channel name")
	// ErrInvalidTarget is returned when a publish's targeting is malformed.
	ErrInvalidTarget = errors.New("bus: invalid target")
)

// UserIDLookup resolves the authenticated user id for an incoming request,
// if any.
type UserIDLookup func(r *http.Request) (*int64, error)

// GroupIDsLookup resolves the authenticated user's group memberships.
type GroupIDsLookup func(r *http.Request) ([]int64, error)

// SiteIDLookup resolves the tenant discriminator for a request.
type SiteIDLookup func(r *http.Request) (string, error)

// IsAdminLookup reports whether the request's caller may use admin-only
// operations (e.g. the broadcast endpoint, §6).
type IsAdminLookup func(r *http.Request) (bool, error)

// ExtraResponseHeadersLookup returns additional headers the middleware
// should set on its response.
type ExtraResponseHeadersLookup func(r *http.Request) (map[string]string, error)

// ConnectHook is invoked after a Client is registered with the connection
// manager.
type ConnectHook func(c *client.Client)

// DisconnectHook is invoked after a Client is unregistered.
type DisconnectHook func(c *client.Client)

// MiddlewareErrorHandler maps an error raised by a lookup hook or request
// parsing to an HTTP response. Returning true means the response has been
// written; false lets the middleware's default status apply.
type MiddlewareErrorHandler func(w http.ResponseWriter, r *http.Request, err error) bool

// Hooks are the pluggable collaborators a host application installs. Every field
// is optional; a nil hook means "not configured" and the corresponding
// feature no-ops (lookups resolve to the zero value).
type Hooks struct {
	UserIDLookup               UserIDLookup
	GroupIDsLookup             GroupIDsLookup
	SiteIDLookup               SiteIDLookup
	IsAdminLookup              IsAdminLookup
	OnConnect                  ConnectHook
	OnDisconnect               DisconnectHook
	ExtraResponseHeadersLookup ExtraResponseHeadersLookup
	OnMiddlewareError          MiddlewareErrorHandler
	ClientMessageFilters       []client.Filter
}

// Config configures a Bus instance.
type Config struct {
	// KeepaliveInterval, when >= MinKeepaliveInterval, enables the
	// keepalive publish + dead-firehose watchdog. Zero disables both.
	KeepaliveInterval time.Duration
	// OnKeepaliveTimeout is invoked when the watchdog detects the firehose
	// has been silent for 3*KeepaliveInterval. Defaults to sending this
	// process SIGTERM (graceful shutdown), the last-resort recovery from
	// a silently dead backend socket. Tests
	// may override it to observe the timeout without killing the test
	// binary.
	OnKeepaliveTimeout func()

	// Metrics, if non-nil, records publish/delivery/reconnect counters.
	// Nil (the default) disables instrumentation.
	Metrics *metrics.Registry
}

// Bus ties a backend, a connection manager, and the configured hooks into
// one publish/subscribe unit. The zero value is not usable; construct with
// New.
type Bus struct {
	cfg     Config
	be      backend.Backend
	logger  zerolog.Logger
	connMgr *connmgr.ConnectionManager
	tmr     *timer.Timer
	hooks   Hooks

	mu        sync.RWMutex
	enabled   bool
	destroyed bool

	subCancel context.CancelFunc
	subDone   chan struct{}

	highestGlobalID  int64 // atomic
	lastFirehoseSeen int64 // atomic, unix nanos

	keepaliveHandle timer.Handle
	watchdogHandle  timer.Handle
}

// New constructs a Bus bound to be. Call Start to launch the subscriber
// goroutine and (if configured) the keepalive watchdog.
func New(be backend.Backend, connMgr *connmgr.ConnectionManager, logger zerolog.Logger, hooks Hooks, cfg Config) *Bus {
	b := &Bus{
		cfg:     cfg,
		be:      be,
		logger:  logger.With().Str("component", "bus").Logger(),
		connMgr: connMgr,
		hooks:   hooks,
		enabled: true,
	}
	b.tmr = timer.New(func(r interface{}) {
		b.logger.Error().Interface("panic", r).Msg("recovered panic in bus timer job")
	})
	return b
}

// Start launches the subscriber goroutine (and keepalive watchdog, if
// configured). ctx governs the subscriber's lifetime; cancel it (or call
// Destroy) to stop.
func (b *Bus) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	b.subCancel = cancel
	b.subDone = make(chan struct{})
	atomic.StoreInt64(&b.lastFirehoseSeen, time.Now().UnixNano())

	go b.runSubscriber(subCtx)

	if b.cfg.KeepaliveInterval >= MinKeepaliveInterval {
		b.keepaliveHandle = b.tmr.Every(b.cfg.KeepaliveInterval, b.publishKeepalive)
		b.watchdogHandle = b.tmr.Every(b.cfg.KeepaliveInterval, b.checkWatchdog)
	}
}

// runSubscriber drives backend.GlobalSubscribe, reconnecting after a
// crash: log, sleep 1s, resume from highestGlobalID.
func (b *Bus) runSubscriber(ctx context.Context) {
	defer close(b.subDone)
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Error().Err(err).Msg("subscriber crashed, reconnecting")
			if b.cfg.Metrics != nil {
				b.cfg.Metrics.FirehoseReconnects.Inc()
			}
			time.Sleep(time.Second)
		}
	}
}

func (b *Bus) subscribeOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: subscriber panic: %v", r)
		}
	}()
	lastID := atomic.LoadInt64(&b.highestGlobalID)
	return b.be.GlobalSubscribe(ctx, lastID, b.handleFirehoseMessage)
}

func (b *Bus) handleFirehoseMessage(msg message.Message) {
	atomic.StoreInt64(&b.lastFirehoseSeen, time.Now().UnixNano())
	for {
		cur := atomic.LoadInt64(&b.highestGlobalID)
		if msg.GlobalID <= cur {
			break
		}
		if atomic.CompareAndSwapInt64(&b.highestGlobalID, cur, msg.GlobalID) {
			break
		}
	}

	channel, siteID := message.SplitStoredChannel(msg.Channel)
	msg.Channel = channel
	msg.SiteID = siteID

	// Every Publish wraps its caller's data in a message.Payload envelope
	// (targeting metadata alongside the raw bytes); unwrap it here so
	// Allowed's targeting precedence sees the real user_ids/group_ids/
	// client_ids and delivered clients see only their own data, not the
	// envelope. A message that doesn't decode as a Payload (none produced
	// by this package ever fail to) is delivered as-is.
	var payload message.Payload
	if err := json.Unmarshal(msg.Data, &payload); err == nil {
		msg.Data = payload.Data
		msg.UserIDs = payload.UserIDs
		msg.GroupIDs = payload.GroupIDs
		msg.ClientIDs = payload.ClientIDs
	}

	if channel == client.FlushChannel {
		b.deliverFlushSafely(msg)
		return
	}

	b.deliverSafely(msg)
}

func (b *Bus) deliverSafely(msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("channel", msg.Channel).Msg("recovered panic routing message")
		}
	}()
	b.connMgr.NotifyClients(context.Background(), msg)
}

// deliverFlushSafely routes a /__flush publish to every matching connected
// client via ConnectionManager.NotifyFlush instead of the per-channel
// subscription index NotifyClients uses; a client never explicitly
// subscribes to /__flush.
func (b *Bus) deliverFlushSafely(msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("channel", msg.Channel).Msg("recovered panic routing flush")
		}
	}()
	b.connMgr.NotifyFlush(context.Background(), msg)
}

func (b *Bus) publishKeepalive() {
	userID := keepaliveUserID
	_, err := b.Publish(context.Background(), KeepaliveChannel, json.RawMessage(`"ping"`), "", Targets{UserIDs: []int64{userID}}, backend.PublishOptions{})
	if err != nil {
		b.logger.Warn().Err(err).Msg("keepalive publish failed")
	}
}

func (b *Bus) checkWatchdog() {
	seenAt := time.Unix(0, atomic.LoadInt64(&b.lastFirehoseSeen))
	if time.Since(seenAt) < 3*b.cfg.KeepaliveInterval {
		return
	}
	b.logger.Error().Dur("silence", time.Since(seenAt)).Msg("firehose silent for 3x keepalive interval, recovering process")
	if b.cfg.OnKeepaliveTimeout != nil {
		b.cfg.OnKeepaliveTimeout()
		return
	}
	defaultKeepaliveTimeout()
}

// defaultKeepaliveTimeout sends this process SIGTERM for a graceful
// shutdown window; the supervisor restarting the process is what actually
// recovers the dead backend connection.
func defaultKeepaliveTimeout() {
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}

// Targets carries a publish's optional recipient restriction.
type Targets struct {
	UserIDs   []int64
	GroupIDs  []int64
	ClientIDs []string
}

// validate rejects malformed targeting: a target array that
// is non-nil but empty is an error (an explicit "nobody" is never useful and
// almost always a caller bug), while a nil/omitted array means "no
// restriction on this axis".
func (t Targets) validate() error {
	if t.UserIDs != nil && len(t.UserIDs) == 0 {
		return fmt.Errorf("%w: user_ids is non-nil but empty", ErrInvalidTarget)
	}
	if t.GroupIDs != nil && len(t.GroupIDs) == 0 {
		return fmt.Errorf("%w: group_ids is non-nil but empty", ErrInvalidTarget)
	}
	if t.ClientIDs != nil && len(t.ClientIDs) == 0 {
		return fmt.Errorf("%w: client_ids is non-nil but empty", ErrInvalidTarget)
	}
	return nil
}

func (t Targets) hasUserOrGroupTarget() bool {
	return len(t.UserIDs) > 0 || len(t.GroupIDs) > 0
}

// storedChannel maps a public channel name to its backend storage key:
// global channels are stored verbatim; all others get the site suffix.
func storedChannel(channel, siteID string) string {
	if message.IsGlobalChannel(channel) {
		return channel
	}
	return message.StoredChannel(channel, siteID)
}

// Publish validates channel and targets, wraps data in the payload
// envelope, and appends it through the backend. If the bus is off,
// Publish is a silent no-op (0, nil): this lets callers disable the bus
// under test or during maintenance without littering call sites with
// conditionals.
func (b *Bus) Publish(ctx context.Context, channel string, data json.RawMessage, siteID string, targets Targets, opts backend.PublishOptions) (int64, error) {
	b.mu.RLock()
	destroyed := b.destroyed
	enabled := b.enabled
	b.mu.RUnlock()

	if destroyed {
		b.recordPublishError("destroyed")
		return 0, ErrDestroyed
	}
	if !enabled {
		return 0, nil
	}

	if strings.Contains(channel, message.Sep) {
		b.recordPublishError("invalid_channel")
		return 0, fmt.Errorf("%w: channel contains reserved separator", ErrInvalidChannel)
	}
	if message.IsGlobalChannel(channel) && targets.hasUserOrGroupTarget() {
		b.recordPublishError("invalid_target")
		return 0, fmt.Errorf("%w: /global/ channels cannot target user_ids/group_ids", ErrInvalidTarget)
	}
	if err := targets.validate(); err != nil {
		b.recordPublishError("invalid_target")
		return 0, err
	}

	payload := message.Payload{
		Data:      data,
		UserIDs:   targets.UserIDs,
		GroupIDs:  targets.GroupIDs,
		ClientIDs: targets.ClientIDs,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		b.recordPublishError("encode_failed")
		return 0, fmt.Errorf("bus: encoding payload: %w", err)
	}

	globalID, err := b.be.Publish(ctx, storedChannel(channel, siteID), encoded, opts)
	if err != nil {
		b.recordPublishError("backend")
		return 0, err
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.MessagesPublished.Inc()
	}
	return globalID, nil
}

func (b *Bus) recordPublishError(reason string) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.PublishErrors.WithLabelValues(reason).Inc()
	}
}

// siteScopedSource adapts the Bus+a fixed site id to client.Source, so every
// Client only ever deals in public channel names while backlog lookups are
// transparently routed to the right backend storage key.
type siteScopedSource struct {
	bus    *Bus
	siteID string
}

func (s siteScopedSource) LastID(ctx context.Context, channel string) (int64, error) {
	return s.bus.be.LastID(ctx, storedChannel(channel, s.siteID))
}

func (s siteScopedSource) Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error) {
	raw, err := s.bus.be.Backlog(ctx, storedChannel(channel, s.siteID), sinceID)
	if err != nil {
		return nil, err
	}
	out := make([]message.Message, len(raw))
	for i, m := range raw {
		channel, siteID := message.SplitStoredChannel(m.Channel)
		m.Channel = channel
		m.SiteID = siteID

		var payload message.Payload
		if err := json.Unmarshal(m.Data, &payload); err == nil {
			m.Data = payload.Data
			m.UserIDs = payload.UserIDs
			m.GroupIDs = payload.GroupIDs
			m.ClientIDs = payload.ClientIDs
		}

		out[i] = m
	}
	return out, nil
}

// NewClient constructs a Client bound to this Bus's backend and registered
// filters, for siteID's storage namespace.
func (b *Bus) NewClient(id, siteID string) *client.Client {
	return client.New(id, siteScopedSource{bus: b, siteID: siteID}, b.hooks.ClientMessageFilters)
}

// Register adds c to the connection manager, invoking OnConnect if
// configured and c was actually registered (not discarded because a
// connection with the same id and a higher seq is already registered).
func (b *Bus) Register(c *client.Client) bool {
	ok := b.connMgr.AddClient(c)
	if ok && b.hooks.OnConnect != nil {
		b.hooks.OnConnect(c)
	}
	return ok
}

// Unregister removes clientID from the connection manager, invoking
// OnDisconnect if configured.
func (b *Bus) Unregister(clientID string) {
	c, ok := b.connMgr.Get(clientID)
	b.connMgr.RemoveClient(clientID)
	if ok && b.hooks.OnDisconnect != nil {
		b.hooks.OnDisconnect(c)
	}
}

// Hooks exposes the configured lookup hooks for the middleware to call.
func (b *Bus) Hooks() Hooks { return b.hooks }

// On re-enables publishing after Off.
func (b *Bus) On() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = true
}

// Off disables publishing: subsequent Publish calls silently no-op. Useful
// for maintenance windows or tests that want a quiet bus without tearing it
// down.
func (b *Bus) Off() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
}

// Reset clears every backend backlog and restarts all id counters at 1.
func (b *Bus) Reset(ctx context.Context) error {
	return b.be.Reset(ctx)
}

// AfterFork re-opens the backend's connections and restarts the subscriber
// goroutine, for a process that forked after Start was already called.
func (b *Bus) AfterFork(ctx context.Context) error {
	if err := b.be.AfterFork(ctx); err != nil {
		return err
	}
	if b.subCancel != nil {
		b.subCancel()
		<-b.subDone
	}
	b.Start(ctx)
	return nil
}

// Destroy publishes the unsubscribe sentinel to unblock the subscriber
// goroutine, waits for it to exit, and marks the Bus unusable. Safe to call
// once; subsequent Publish calls return ErrDestroyed.
func (b *Bus) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	b.mu.Unlock()

	b.keepaliveHandle.Cancel()
	b.watchdogHandle.Cancel()

	if err := b.be.GlobalUnsubscribe(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("global unsubscribe failed during destroy")
	}
	if b.subCancel != nil {
		b.subCancel()
	}
	if b.subDone != nil {
		<-b.subDone
	}
	b.tmr.Stop()
	return b.be.Close()
}
