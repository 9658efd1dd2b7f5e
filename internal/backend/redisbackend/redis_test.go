package redisbackend_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/backend/redisbackend"
	"github.com/adred-codev/messagebus/internal/message"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	sharedAddr   string
	containerOnce sync.Once
	containerErr  error
)

// redisAddr returns a host:port to dial. CI sets CI_REDIS_ADDR to an
// external service container; local runs share one testcontainer across the
// whole package, mirroring how the pack's Postgres integration tests avoid
// a container-per-test cost.
func redisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("CI_REDIS_ADDR"); addr != "" {
		return addr
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := redis.Run(ctx, "redis:7-alpine")
		if err != nil {
			containerErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}
		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve redis endpoint: %w", err)
			return
		}
		sharedAddr = endpoint
	})
	require.NoError(t, containerErr, "failed to set up shared redis container")
	return sharedAddr
}

func newBackend(t *testing.T) *redisbackend.Backend {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: redisAddr(t)})
	b := redisbackend.New(client, zerolog.Nop())
	t.Cleanup(func() {
		_ = b.Reset(context.Background())
		_ = b.Close()
	})
	require.NoError(t, b.Reset(context.Background()))
	return b
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	gid1, err := b.Publish(ctx, "/foo", []byte(`{"a":1}`), backend.PublishOptions{})
	require.NoError(t, err)
	gid2, err := b.Publish(ctx, "/foo", []byte(`{"a":2}`), backend.PublishOptions{})
	require.NoError(t, err)
	gid3, err := b.Publish(ctx, "/bar", []byte(`{"a":3}`), backend.PublishOptions{})
	require.NoError(t, err)

	require.Equal(t, int64(1), gid1)
	require.Equal(t, int64(2), gid2)
	require.Equal(t, int64(3), gid3)

	lastFoo, err := b.LastID(ctx, "/foo")
	require.NoError(t, err)
	require.Equal(t, int64(2), lastFoo)
}

func TestBacklogTrimsToMaxSize(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	opts := backend.PublishOptions{MaxBacklogSize: 3}

	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, "/chan", []byte("msg"), opts)
		require.NoError(t, err)
	}

	msgs, err := b.Backlog(ctx, "/chan", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, int64(8), msgs[0].ID)
	require.Equal(t, int64(10), msgs[2].ID)
}

func TestGetMessageFindsByChannelAndID(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	_, err := b.Publish(ctx, "/chan", []byte(`{"v":1}`), backend.PublishOptions{})
	require.NoError(t, err)

	msg, ok, err := b.GetMessage(ctx, "/chan", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"v":1}`, string(msg.Data))

	_, ok, err = b.GetMessage(ctx, "/chan", 99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGlobalSubscribeDeliversLiveMessagesInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := newBackend(t)

	gotIDs := make(chan int64, 8)
	subStarted := make(chan struct{})
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		close(subStarted)
		_ = b.GlobalSubscribe(ctx, 0, func(msg message.Message) {
			gotIDs <- msg.GlobalID
		})
	}()

	<-subStarted
	time.Sleep(200 * time.Millisecond)

	_, err := b.Publish(ctx, "/chan", []byte("1"), backend.PublishOptions{})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "/chan", []byte("2"), backend.PublishOptions{})
	require.NoError(t, err)

	require.Equal(t, int64(1), <-gotIDs)
	require.Equal(t, int64(2), <-gotIDs)

	cancel()
	<-subDone
}

func TestGlobalUnsubscribeWakesBlockedSubscriber(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	subDone := make(chan struct{})
	subStarted := make(chan struct{})
	go func() {
		defer close(subDone)
		close(subStarted)
		_ = b.GlobalSubscribe(ctx, 0, func(msg message.Message) {})
	}()

	<-subStarted
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, b.GlobalUnsubscribe(ctx))

	select {
	case <-subDone:
	case <-time.After(5 * time.Second):
		t.Fatal("GlobalSubscribe did not return after GlobalUnsubscribe")
	}
}

func TestAgeExpiryIsWholeKeyAllOrNothing(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	opts := backend.PublishOptions{MaxBacklogAge: time.Second}

	_, err := b.Publish(ctx, "/chan", []byte("a"), opts)
	require.NoError(t, err)

	// A publish inside the window refreshes the whole key's TTL, so the
	// first message outlives its own age bound: all rows retained.
	time.Sleep(600 * time.Millisecond)
	_, err = b.Publish(ctx, "/chan", []byte("b"), opts)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	msgs, err := b.Backlog(ctx, "/chan", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Past the TTL with no further publishes the key vanishes wholesale:
	// all rows dropped in one step, never a partial suffix.
	time.Sleep(1400 * time.Millisecond)
	msgs, err = b.Backlog(ctx, "/chan", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// The id counter is not part of the backlog key and survives expiry.
	last, err := b.LastID(ctx, "/chan")
	require.NoError(t, err)
	require.Equal(t, int64(2), last)
}

func TestExpireAllBacklogsDropsBacklogsKeepsCounters(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	_, err := b.Publish(ctx, "/chan", []byte("a"), backend.PublishOptions{})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "/other", []byte("b"), backend.PublishOptions{})
	require.NoError(t, err)

	require.NoError(t, b.ExpireAllBacklogs(ctx))

	msgs, err := b.Backlog(ctx, "/chan", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	global, err := b.GlobalBacklog(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, global)

	last, err := b.LastID(ctx, "/chan")
	require.NoError(t, err)
	require.Equal(t, int64(1), last)

	gid, err := b.Publish(ctx, "/chan", []byte("c"), backend.PublishOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(3), gid)
}

func TestResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	_, err := b.Publish(ctx, "/chan", []byte("1"), backend.PublishOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Reset(ctx))

	id, err := b.LastID(ctx, "/chan")
	require.NoError(t, err)
	require.Zero(t, id)
}
