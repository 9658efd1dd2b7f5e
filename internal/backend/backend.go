// Package backend defines the storage/notification contract every message-bus
// backend (memory, Redis, Postgres, Kafka) implements, plus the shared
// firehose-recovery helper used by every backend's GlobalSubscribe.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/adred-codev/messagebus/internal/message"
)

// Default bounds, overridable per-publish via PublishOptions.
const (
	DefaultMaxBacklogSize       = 1000
	DefaultMaxGlobalBacklogSize = 2000
	DefaultMaxBacklogAge        = 7 * 24 * time.Hour
	DefaultClearEvery           = 1
)

// UnsubscribeSentinel is published on UnsubscribeChannel to wake a blocked
// GlobalSubscribe consumer.
const UnsubscribeSentinel = "$$UNSUBSCRIBE"

// UnsubscribeChannel is the reserved channel GlobalUnsubscribe publishes on.
const UnsubscribeChannel = "/__mb_internal_unsubscribe__"

// Errors surfaced by backend implementations. Use errors.Is to discriminate.
var (
	// ErrReadOnly indicates the store is temporarily unable to accept writes
	// (failed-over replica, dropped connection). Callers may buffer and retry.
	ErrReadOnly = errors.New("backend: store is temporarily read-only")
	// ErrFatal indicates a non-recoverable condition: missing schema, auth
	// failure. Callers should not retry.
	ErrFatal = errors.New("backend: fatal error")
	// ErrBufferOverflow names the condition in which the in-memory retry
	// buffer used during a transient outage has dropped its oldest entry to
	// make room. Buffered logs that drop at WARN; it does not return this
	// error.
	ErrBufferOverflow = errors.New("backend: in-memory publish buffer overflowed")
)

// PublishOptions configures a single publish call. Zero value uses the
// backend's defaults.
type PublishOptions struct {
	MaxBacklogSize int
	MaxBacklogAge  time.Duration
	// QueueInMemory enables the bounded in-memory retry buffer when the
	// backend reports ErrReadOnly. Defaults to true.
	QueueInMemory *bool
}

func (o PublishOptions) maxBacklogSize() int {
	if o.MaxBacklogSize > 0 {
		return o.MaxBacklogSize
	}
	return DefaultMaxBacklogSize
}

func (o PublishOptions) maxBacklogAge() time.Duration {
	if o.MaxBacklogAge > 0 {
		return o.MaxBacklogAge
	}
	return DefaultMaxBacklogAge
}

func (o PublishOptions) queueInMemory() bool {
	if o.QueueInMemory == nil {
		return true
	}
	return *o.QueueInMemory
}

// MaxBacklogSizeOrDefault exposes the resolved per-channel backlog bound for callers
// that need it outside Publish (e.g. tests).
func (o PublishOptions) MaxBacklogSizeOrDefault() int { return o.maxBacklogSize() }

// MaxBacklogAgeOrDefault exposes the resolved backlog age bound.
func (o PublishOptions) MaxBacklogAgeOrDefault() time.Duration { return o.maxBacklogAge() }

// QueueInMemoryOrDefault exposes the resolved queue-in-memory flag.
func (o PublishOptions) QueueInMemoryOrDefault() bool { return o.queueInMemory() }

// Handler receives messages off a subscription. It must not block for long;
// the caller (Subscribe/GlobalSubscribe) invokes it synchronously on its own
// goroutine.
type Handler func(msg message.Message)

// Backend is the contract every storage/notification implementation
// satisfies. A single process owns one GlobalSubscribe consumer per Backend
// instance; the bus fans out to local clients, it does not broker between
// peer servers.
type Backend interface {
	// Publish atomically allocates (global id, per-channel id), appends to
	// both backlogs, trims per ClearEvery, and notifies the firehose.
	Publish(ctx context.Context, channel string, payload []byte, opts PublishOptions) (globalID int64, err error)

	// LastID returns the current last message id for channel, or 0 if the
	// channel has never been published to.
	LastID(ctx context.Context, channel string) (int64, error)

	// LastIDs batches LastID across channels, always returning len(channels)
	// results in the same order, 0 for channels with no history.
	LastIDs(ctx context.Context, channels []string) ([]int64, error)

	// Backlog returns all messages with ID > sinceID for channel, in order.
	Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error)

	// GlobalBacklog returns all messages with GlobalID > sinceGlobalID, in
	// GlobalID order, across every channel.
	GlobalBacklog(ctx context.Context, sinceGlobalID int64) ([]message.Message, error)

	// GetMessage fetches a single message by (channel, id); returns
	// (zero, false, nil) if absent.
	GetMessage(ctx context.Context, channel string, id int64) (message.Message, bool, error)

	// GlobalSubscribe blocks, invoking handler for every published message in
	// GlobalID order (after internal gap recovery), until ctx is canceled or
	// GlobalUnsubscribe is called. Before live messages are delivered it
	// replays GlobalBacklog(lastID); with lastID 0 that is every retained
	// message.
	GlobalSubscribe(ctx context.Context, lastID int64, handler Handler) error

	// GlobalUnsubscribe wakes any blocked GlobalSubscribe call by publishing
	// UnsubscribeSentinel on UnsubscribeChannel.
	GlobalUnsubscribe(ctx context.Context) error

	// Reset clears all backlogs and restarts every counter at 1.
	Reset(ctx context.Context) error

	// ExpireAllBacklogs forces an immediate age-based trim across every
	// channel, independent of ClearEvery.
	ExpireAllBacklogs(ctx context.Context) error

	// AfterFork re-opens any connections/sockets that must not be shared
	// across a process fork.
	AfterFork(ctx context.Context) error

	// Close releases the backend's resources. Safe to call once.
	Close() error
}
