package backend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyBackend rejects every Publish with ErrReadOnly while readOnly is set,
// recording accepted publishes in order once writable again.
type flakyBackend struct {
	mu        sync.Mutex
	readOnly  bool
	accepted  []string
	nextGID   int64
	afterFork int
}

func (f *flakyBackend) setReadOnly(v bool) {
	f.mu.Lock()
	f.readOnly = v
	f.mu.Unlock()
}

func (f *flakyBackend) Publish(ctx context.Context, channel string, payload []byte, opts backend.PublishOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readOnly {
		return 0, backend.ErrReadOnly
	}
	f.nextGID++
	f.accepted = append(f.accepted, string(payload))
	return f.nextGID, nil
}

func (f *flakyBackend) afterForkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterFork
}

func (f *flakyBackend) acceptedPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.accepted))
	copy(out, f.accepted)
	return out
}

func (f *flakyBackend) LastID(ctx context.Context, channel string) (int64, error) { return 0, nil }
func (f *flakyBackend) LastIDs(ctx context.Context, channels []string) ([]int64, error) {
	return make([]int64, len(channels)), nil
}
func (f *flakyBackend) Backlog(ctx context.Context, channel string, sinceID int64) ([]message.Message, error) {
	return nil, nil
}
func (f *flakyBackend) GlobalBacklog(ctx context.Context, sinceGlobalID int64) ([]message.Message, error) {
	return nil, nil
}
func (f *flakyBackend) GetMessage(ctx context.Context, channel string, id int64) (message.Message, bool, error) {
	return message.Message{}, false, nil
}
func (f *flakyBackend) GlobalSubscribe(ctx context.Context, lastID int64, handler backend.Handler) error {
	<-ctx.Done()
	return nil
}
func (f *flakyBackend) GlobalUnsubscribe(ctx context.Context) error { return nil }
func (f *flakyBackend) Reset(ctx context.Context) error { return nil }
func (f *flakyBackend) ExpireAllBacklogs(ctx context.Context) error { return nil }
func (f *flakyBackend) AfterFork(ctx context.Context) error {
	f.mu.Lock()
	f.afterFork++
	f.mu.Unlock()
	return nil
}
func (f *flakyBackend) Close() error { return nil }

func TestBufferedPassesThroughWhenWritable(t *testing.T) {
	inner := &flakyBackend{}
	b := backend.NewBuffered(inner, zerolog.Nop(), 10)

	gid, err := b.Publish(context.Background(), "/c", []byte("a"), backend.PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gid)
	assert.Equal(t, 0, b.QueuedLen())
}

func TestBufferedQueuesWhileReadOnlyAndFlushesWhenWritable(t *testing.T) {
	inner := &flakyBackend{}
	inner.setReadOnly(true)
	b := backend.NewBuffered(inner, zerolog.Nop(), 10)

	for _, p := range []string{"one", "two", "three"} {
		gid, err := b.Publish(context.Background(), "/c", []byte(p), backend.PublishOptions{})
		require.NoError(t, err)
		assert.Zero(t, gid)
	}
	assert.Equal(t, 3, b.QueuedLen())
	// The retry-once path reconnected before giving up on each publish.
	assert.GreaterOrEqual(t, inner.afterForkCount(), 3)

	inner.setReadOnly(false)
	require.Eventually(t, func() bool { return b.QueuedLen() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, inner.acceptedPayloads())
}

func TestBufferedDropsOldestOnOverflow(t *testing.T) {
	inner := &flakyBackend{}
	inner.setReadOnly(true)
	b := backend.NewBuffered(inner, zerolog.Nop(), 2)

	for _, p := range []string{"one", "two", "three"} {
		_, err := b.Publish(context.Background(), "/c", []byte(p), backend.PublishOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, b.QueuedLen())

	inner.setReadOnly(false)
	require.Eventually(t, func() bool { return b.QueuedLen() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"two", "three"}, inner.acceptedPayloads())
}

func TestBufferedSurfacesErrorWhenQueueingDisabled(t *testing.T) {
	inner := &flakyBackend{}
	inner.setReadOnly(true)
	b := backend.NewBuffered(inner, zerolog.Nop(), 10)

	off := false
	_, err := b.Publish(context.Background(), "/c", []byte("x"), backend.PublishOptions{QueueInMemory: &off})
	assert.ErrorIs(t, err, backend.ErrReadOnly)
	assert.Equal(t, 0, b.QueuedLen())
}
