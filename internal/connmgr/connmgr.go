// Package connmgr implements the in-process registry of long-lived client
// connections: a map of client id to Client plus a
// reverse index from (site, channel) to subscriber ids, both guarded by a
// single monitor so the subscriber goroutine and HTTP worker goroutines can
// safely add, notify, and remove clients concurrently.
package connmgr

import (
	"context"
	"sync"

	"github.com/adred-codev/messagebus/internal/client"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/adred-codev/messagebus/internal/metrics"
	"github.com/adred-codev/messagebus/internal/workerpool"
	"github.com/rs/zerolog"
)

// ConnectionManager is the shared registry both the subscriber goroutine
// and HTTP workers mutate. The zero value is not usable; construct with
// New.
type ConnectionManager struct {
	logger zerolog.Logger
	pool   *workerpool.Pool // optional; nil means deliver on the caller's goroutine

	metrics *metrics.Registry // optional; nil disables instrumentation

	mu            sync.Mutex
	clients       map[string]*client.Client
	subscriptions map[string]map[string]map[string]struct{} // siteID -> channel -> client ids
}

// New constructs an empty ConnectionManager. pool may be nil, in which case
// NotifyClients delivers to every subscriber synchronously on the calling
// goroutine (normally the Bus's subscriber goroutine); passing a started
// workerpool.Pool fans delivery out across its workers instead, so one slow
// client's write cannot delay delivery to the rest.
func New(logger zerolog.Logger, pool *workerpool.Pool) *ConnectionManager {
	return &ConnectionManager{
		logger:        logger.With().Str("component", "connmgr").Logger(),
		pool:          pool,
		clients:       make(map[string]*client.Client),
		subscriptions: make(map[string]map[string]map[string]struct{}),
	}
}

// AddClient registers c, indexing every channel it is currently subscribed
// to. If a client with the same id is already registered:
//   - and its Seq is greater than c.Seq, c is closed and discarded (the
//     existing, newer connection wins);
//   - otherwise the existing connection is closed and replaced by c (this
//     also covers two simultaneous Seq==0 connections: whichever call
//     acquires the monitor second wins, a deterministic arrival order).
//
// Returns true if c was registered, false if it was discarded.
func (m *ConnectionManager) AddClient(c *client.Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.clients[c.ID]; ok {
		if existing.Seq > c.Seq {
			go c.Close()
			if m.metrics != nil {
				m.metrics.ClientsDisplaced.Inc()
			}
			return false
		}
		m.removeLocked(existing)
		go existing.Close()
		if m.metrics != nil {
			m.metrics.ClientsDisplaced.Inc()
			m.metrics.ClientsConnected.Dec()
		}
	}

	m.clients[c.ID] = c
	for _, channel := range c.Channels() {
		m.index(siteKeyFor(c.SiteID, channel), channel, c.ID)
	}
	if m.metrics != nil {
		m.metrics.ClientsConnected.Inc()
	}
	return true
}

// siteKeyFor picks the subscription-index bucket for channel: global
// channels are never site-scoped, so every client subscribed to one lands in
// the same bucket (empty site key) regardless of its own SiteID, matching
// how a global publish carries no SiteID either.
func siteKeyFor(clientSiteID, channel string) string {
	if message.IsGlobalChannel(channel) {
		return ""
	}
	return clientSiteID
}

func (m *ConnectionManager) index(siteID, channel, clientID string) {
	bySite, ok := m.subscriptions[siteID]
	if !ok {
		bySite = make(map[string]map[string]struct{})
		m.subscriptions[siteID] = bySite
	}
	set, ok := bySite[channel]
	if !ok {
		set = make(map[string]struct{})
		bySite[channel] = set
	}
	set[clientID] = struct{}{}
}

func (m *ConnectionManager) unindex(siteID, channel, clientID string) {
	bySite, ok := m.subscriptions[siteID]
	if !ok {
		return
	}
	set, ok := bySite[channel]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(bySite, channel)
	}
	if len(bySite) == 0 {
		delete(m.subscriptions, siteID)
	}
}

// RemoveClient unregisters clientID, if present, and closes its connection.
func (m *ConnectionManager) RemoveClient(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		m.removeLocked(c)
	}
	m.mu.Unlock()

	if ok {
		if m.metrics != nil {
			m.metrics.ClientsConnected.Dec()
		}
		_ = c.Close()
	}
}

// removeLocked deletes c from every index. Caller must hold m.mu.
func (m *ConnectionManager) removeLocked(c *client.Client) {
	delete(m.clients, c.ID)
	for _, channel := range c.Channels() {
		m.unindex(siteKeyFor(c.SiteID, channel), channel, c.ID)
	}
}

// WithMetrics attaches a metrics registry: AddClient/RemoveClient track the
// connected-clients gauge and displacement counter, and deliverOne tracks
// delivered/error counters. Nil (the default) disables instrumentation.
func (m *ConnectionManager) WithMetrics(reg *metrics.Registry) *ConnectionManager {
	m.metrics = reg
	return m
}

// Get returns the registered client for id, if any. Exposed mainly for
// tests and diagnostics.
func (m *ConnectionManager) Get(id string) (*client.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// Len reports the number of registered clients.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// NotifyClients routes msg to every client subscribed to msg.Channel at
// msg.SiteID, skipping ones permission denies. A client whose write fails,
// or that reports itself already closed, is removed from the registry; this
// failure is isolated to that one client and never stops the fan-out to the
// rest.
//
// With no worker pool configured, delivery happens synchronously and the
// return value is the number of clients actually written to. With a pool
// configured, delivery is submitted as one task per matching client and this
// returns the number of clients matched (not yet necessarily delivered) so a
// single slow client's write cannot delay the rest.
func (m *ConnectionManager) NotifyClients(ctx context.Context, msg message.Message) int {
	m.mu.Lock()
	bySite, ok := m.subscriptions[msg.SiteID]
	var ids []string
	if ok {
		if set, ok := bySite[msg.Channel]; ok {
			ids = make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
		}
	}
	clients := make([]*client.Client, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	m.mu.Unlock()

	if m.pool != nil {
		for _, c := range clients {
			c := c
			m.pool.Submit(func() { m.deliverOne(c, msg) })
		}
		return len(clients)
	}

	delivered := 0
	for _, c := range clients {
		if m.deliverOne(c, msg) {
			delivered++
		}
	}
	return delivered
}

// NotifyFlush implements the /__flush distinguished channel. A
// client never explicitly subscribes to /__flush, so it can't be routed
// through the per-channel subscription index NotifyClients uses; instead
// every currently registered client is offered msg through the same
// permission check, and each one matched gets its own cursors reset via
// Client.Flush instead of the raw flush payload.
func (m *ConnectionManager) NotifyFlush(ctx context.Context, msg message.Message) int {
	m.mu.Lock()
	clients := make([]*client.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	notified := 0
	for _, c := range clients {
		if !c.Allowed(msg) {
			continue
		}
		notified++
		if m.pool != nil {
			c := c
			m.pool.Submit(func() { m.deliverFlush(c) })
			continue
		}
		m.deliverFlush(c)
	}
	return notified
}

func (m *ConnectionManager) deliverFlush(c *client.Client) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("client_id", c.ID).Msg("recovered panic delivering flush")
			m.RemoveClient(c.ID)
		}
	}()
	status := c.Flush()
	if err := c.Deliver([]message.Message{status}); err != nil || c.Closed() {
		if err != nil && m.metrics != nil {
			m.metrics.DeliveryErrors.Inc()
		}
		m.RemoveClient(c.ID)
		return
	}
	if m.metrics != nil {
		m.metrics.MessagesDelivered.Inc()
	}
}

func (m *ConnectionManager) deliverOne(c *client.Client, msg message.Message) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("client_id", c.ID).Msg("recovered panic delivering message")
			m.RemoveClient(c.ID)
		}
	}()

	if !c.Allowed(msg) {
		return false
	}
	if err := c.Deliver([]message.Message{msg}); err != nil || c.Closed() {
		if err != nil {
			m.logger.Debug().Err(err).Str("client_id", c.ID).Msg("client write failed, removing")
			if m.metrics != nil {
				m.metrics.DeliveryErrors.Inc()
			}
		}
		m.RemoveClient(c.ID)
		return false
	}
	if m.metrics != nil {
		m.metrics.MessagesDelivered.Inc()
	}
	return true
}
