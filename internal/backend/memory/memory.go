// Package memory provides the in-process reference Backend implementation:
// no external dependencies, full fidelity to the contract in
// internal/backend, used as the default backend and as the baseline every
// other backend's tests are checked against.
package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 256

// entry pairs a stored message with its arrival time so age-based expiry
// has something to compare against; the wire encoding itself carries no
// timestamp, only the four pipe-delimited fields.
type entry struct {
	msg     message.Message
	addedAt time.Time
}

type channelState struct {
	lastID         int64
	backlog        []entry
	maxBacklogSize int
	maxBacklogAge  time.Duration
	clearCounter   int
}

// Backend is an in-process, mutex-guarded Backend. Safe for concurrent use.
type Backend struct {
	logger zerolog.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	global   []entry
	globalID int64

	subsMu    sync.Mutex
	subs      map[int]chan message.Message
	nextSubID int

	closeOnce sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Backend and starts its background age-expiry sweeper,
// which runs roughly once a second independent of ClearEvery.
func New(logger zerolog.Logger) *Backend {
	b := &Backend{
		logger:    logger.With().Str("component", "memory_backend").Logger(),
		channels:  make(map[string]*channelState),
		subs:      make(map[int]chan message.Message),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

func (b *Backend) sweepLoop() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			if err := b.ExpireAllBacklogs(context.Background()); err != nil {
				b.logger.Error().Err(err).Msg("backlog age sweep failed")
			}
		}
	}
}

func (b *Backend) channelState(channel string) *channelState {
	cs, ok := b.channels[channel]
	if !ok {
		cs = &channelState{
			maxBacklogSize: backend.DefaultMaxBacklogSize,
			maxBacklogAge:  backend.DefaultMaxBacklogAge,
		}
		b.channels[channel] = cs
	}
	return cs
}

// Publish implements backend.Backend.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte, opts backend.PublishOptions) (int64, error) {
	b.mu.Lock()

	b.globalID++
	gid := b.globalID

	cs := b.channelState(channel)
	cs.lastID++
	cs.maxBacklogSize = opts.MaxBacklogSizeOrDefault()
	cs.maxBacklogAge = opts.MaxBacklogAgeOrDefault()

	msg := message.Message{
		GlobalID: gid,
		ID:       cs.lastID,
		Channel:  channel,
		Data:     append([]byte(nil), payload...),
	}
	now := time.Now()

	cs.backlog = append(cs.backlog, entry{msg: msg, addedAt: now})
	cs.clearCounter++
	if cs.clearCounter >= backend.DefaultClearEvery {
		cs.clearCounter = 0
		if len(cs.backlog) > cs.maxBacklogSize {
			cs.backlog = trimOldest(cs.backlog, cs.maxBacklogSize)
		}
	}

	b.global = append(b.global, entry{msg: msg, addedAt: now})
	if len(b.global) > backend.DefaultMaxGlobalBacklogSize {
		b.global = trimOldest(b.global, backend.DefaultMaxGlobalBacklogSize)
	}

	b.mu.Unlock()

	b.fanout(msg)
	return gid, nil
}

func trimOldest(backlog []entry, keep int) []entry {
	if len(backlog) <= keep {
		return backlog
	}
	trimmed := make([]entry, keep)
	copy(trimmed, backlog[len(backlog)-keep:])
	return trimmed
}

func (b *Backend) fanout(msg message.Message) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn().Int("subscriber_id", id).Msg("dropping message: subscriber buffer full, relying on gap recovery")
		}
	}
}

// LastID implements backend.Backend.
func (b *Backend) LastID(ctx context.Context, channel string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.channels[channel]; ok {
		return cs.lastID, nil
	}
	return 0, nil
}

// LastIDs implements backend.Backend.
func (b *Backend) LastIDs(ctx context.Context, channels []string) ([]int64, error) {
	out := make([]int64, len(channels))
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, channel := range channels {
		if cs, ok := b.channels[channel]; ok {
			out[i] = cs.lastID
		}
	}
	return out, nil
}

// Backlog implements backend.Backend.
func (b *Backend) Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		return nil, nil
	}
	var out []message.Message
	for _, e := range cs.backlog {
		if e.msg.ID > sinceID {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

// GlobalBacklog implements backend.Backend.
func (b *Backend) GlobalBacklog(ctx context.Context, sinceGlobalID int64) ([]message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []message.Message
	for _, e := range b.global {
		if e.msg.GlobalID > sinceGlobalID {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

// GetMessage implements backend.Backend.
func (b *Backend) GetMessage(ctx context.Context, channel string, id int64) (message.Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		return message.Message{}, false, nil
	}
	for _, e := range cs.backlog {
		if e.msg.ID == id {
			return e.msg, true, nil
		}
	}
	return message.Message{}, false, nil
}

// GlobalSubscribe implements backend.Backend using the shared gap-recovery
// helper: the in-process fanout channel can still drop messages under
// backpressure, so every subscriber runs the same recovery algorithm as the
// networked backends rather than assuming perfect in-order delivery.
func (b *Backend) GlobalSubscribe(ctx context.Context, lastID int64, handler backend.Handler) error {
	ch := make(chan message.Message, subscriberBuffer)

	b.subsMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.subsMu.Unlock()

	defer func() {
		b.subsMu.Lock()
		delete(b.subs, id)
		b.subsMu.Unlock()
	}()

	rec := backend.NewRecovery(handler, b.GlobalBacklog)
	if err := rec.Start(ctx, lastID); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if msg.Channel == backend.UnsubscribeChannel {
				return nil
			}
			rec.Deliver(ctx, msg)
		}
	}
}

// GlobalUnsubscribe implements backend.Backend. The sentinel is a control
// message, never stored in any backlog.
func (b *Backend) GlobalUnsubscribe(ctx context.Context) error {
	b.fanout(message.Message{Channel: backend.UnsubscribeChannel, Data: []byte(backend.UnsubscribeSentinel)})
	return nil
}

// Reset implements backend.Backend.
func (b *Backend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]*channelState)
	b.global = nil
	b.globalID = 0
	return nil
}

// ExpireAllBacklogs implements backend.Backend: drops entries older than
// each channel's configured max age, plus the global backlog against the
// default age bound. Each cutoff is pushed back by a random jitter of up
// to 50ms, so an entry may outlive its bound by that much.
func (b *Backend) ExpireAllBacklogs(ctx context.Context) error {
	now := time.Now()
	jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cs := range b.channels {
		cutoff := now.Add(-cs.maxBacklogAge - jitter)
		cs.backlog = dropBefore(cs.backlog, cutoff)
	}
	cutoff := now.Add(-backend.DefaultMaxBacklogAge - jitter)
	b.global = dropBefore(b.global, cutoff)
	return nil
}

func dropBefore(backlog []entry, cutoff time.Time) []entry {
	// backlog is append-ordered (oldest first), so the first entry at or
	// after cutoff marks where the surviving slice begins.
	for i, e := range backlog {
		if !e.addedAt.Before(cutoff) {
			if i == 0 {
				return backlog
			}
			kept := make([]entry, len(backlog)-i)
			copy(kept, backlog[i:])
			return kept
		}
	}
	return nil
}

// AfterFork implements backend.Backend. No sockets to reopen in-process.
func (b *Backend) AfterFork(ctx context.Context) error { return nil }

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopSweep)
		<-b.sweepDone
	})
	return nil
}
