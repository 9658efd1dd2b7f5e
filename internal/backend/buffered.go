package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBufferSize bounds the in-memory retry buffer a Buffered backend
// keeps while the underlying store is read-only.
const DefaultBufferSize = 1000

// flushRetryInterval paces the flusher's retries while the store stays
// read-only.
const flushRetryInterval = time.Second

type pendingPublish struct {
	channel string
	payload []byte
	opts    PublishOptions
}

// Buffered decorates a Backend with the transient-failure policy from the
// error-handling contract: when Publish reports ErrReadOnly, retry once after
// re-opening the backend's connections; if the store is still read-only and
// the publish opted into in-memory queueing, the message is held in a bounded
// buffer (oldest dropped on overflow, at WARN) and a single flusher goroutine
// retries until the store accepts writes again. Every other Backend operation
// passes straight through.
type Buffered struct {
	Backend
	logger  zerolog.Logger
	maxSize int

	mu       sync.Mutex
	queue    []pendingPublish
	flushing bool
}

// NewBuffered wraps inner. maxSize <= 0 uses DefaultBufferSize.
func NewBuffered(inner Backend, logger zerolog.Logger, maxSize int) *Buffered {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Buffered{
		Backend: inner,
		logger:  logger.With().Str("component", "buffered_backend").Logger(),
		maxSize: maxSize,
	}
}

// Publish implements Backend. A publish absorbed into the retry buffer
// returns (0, nil): it has not been dropped, but no global id exists for it
// yet, and callers treat it like a fire-and-forget success.
func (b *Buffered) Publish(ctx context.Context, channel string, payload []byte, opts PublishOptions) (int64, error) {
	gid, err := b.Backend.Publish(ctx, channel, payload, opts)
	if err == nil || !errors.Is(err, ErrReadOnly) {
		return gid, err
	}

	if forkErr := b.Backend.AfterFork(ctx); forkErr != nil {
		b.logger.Warn().Err(forkErr).Msg("reconnect before publish retry failed")
	}
	gid, err = b.Backend.Publish(ctx, channel, payload, opts)
	if err == nil || !errors.Is(err, ErrReadOnly) {
		return gid, err
	}

	if !opts.QueueInMemoryOrDefault() {
		return 0, err
	}

	b.enqueue(pendingPublish{channel: channel, payload: payload, opts: opts})
	return 0, nil
}

func (b *Buffered) enqueue(p pendingPublish) {
	b.mu.Lock()
	if len(b.queue) >= b.maxSize {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		b.logger.Warn().
			Str("channel", dropped.channel).
			Int("buffer_size", b.maxSize).
			Msg("publish buffer full, dropping oldest queued message")
	}
	b.queue = append(b.queue, p)
	startFlusher := !b.flushing
	if startFlusher {
		b.flushing = true
	}
	b.mu.Unlock()

	if startFlusher {
		go b.flush()
	}
}

// flush drains the buffer in order, retrying the head entry until the store
// becomes writable. Only one flusher runs at a time.
func (b *Buffered) flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.flushing = false
			b.mu.Unlock()
			return
		}
		head := b.queue[0]
		b.mu.Unlock()

		_, err := b.Backend.Publish(context.Background(), head.channel, head.payload, head.opts)
		if err != nil {
			if errors.Is(err, ErrReadOnly) {
				time.Sleep(flushRetryInterval)
				continue
			}
			b.logger.Error().Err(err).Str("channel", head.channel).Msg("dropping queued publish: non-transient failure")
		}

		b.mu.Lock()
		if len(b.queue) > 0 {
			b.queue = b.queue[1:]
		}
		b.mu.Unlock()
	}
}

// QueuedLen reports the number of publishes currently held in the retry
// buffer.
func (b *Buffered) QueuedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
