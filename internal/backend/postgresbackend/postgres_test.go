package postgresbackend_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/backend/postgresbackend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

func connString(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("messagebus_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})
	require.NoError(t, containerErr, "failed to set up shared postgres container")
	return sharedConnStr
}

func newBackend(t *testing.T) *postgresbackend.Backend {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, connString(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, 200*time.Millisecond)

	b := postgresbackend.New(pool, zerolog.Nop())
	require.NoError(t, b.Migrate(ctx))
	require.NoError(t, b.Reset(ctx))
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

// TestBacklogTrimAtZeroKeepsNoneButTheJustWritten documents the resolved
// Open Question: num_to_keep=0 deletes every row whose id is <= the newest
// row's id, i.e. the row just inserted too. A channel published with
// MaxBacklogSize 0 therefore has no durable backlog at all; callers wanting
// "fire and forget" publishing should use this rather than a backlog of 1.
func TestBacklogTrimAtZeroKeepsNoneButTheJustWritten(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	opts := backend.PublishOptions{MaxBacklogSize: 0}

	_, err := b.Publish(ctx, "/chan", []byte("msg"), opts)
	require.NoError(t, err)

	msgs, err := b.Backlog(ctx, "/chan", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
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
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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
	time.Sleep(500 * time.Millisecond)

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
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, b.GlobalUnsubscribe(ctx))

	select {
	case <-subDone:
	case <-time.After(10 * time.Second):
		t.Fatal("GlobalSubscribe did not return after GlobalUnsubscribe")
	}
}
