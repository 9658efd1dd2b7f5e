package kafkabackend_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/backend/kafkabackend"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
)

var (
	sharedBrokers []string
	containerOnce sync.Once
	containerErr  error
	topicCounter  int64
)

// brokers returns seed brokers to dial. CI sets CI_KAFKA_BROKERS to an
// external service container; local runs share one testcontainer across the
// whole package, the same shape the redis and postgres tests use.
func brokers(t *testing.T) []string {
	t.Helper()
	if raw := os.Getenv("CI_KAFKA_BROKERS"); raw != "" {
		return strings.Split(raw, ",")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := kafka.Run(ctx,
			"confluentinc/confluent-local:7.5.0",
			kafka.WithClusterID("messagebus-test"),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start kafka container: %w", err)
			return
		}
		seeds, err := container.Brokers(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to resolve kafka brokers: %w", err)
			return
		}
		sharedBrokers = seeds
	})
	require.NoError(t, containerErr, "failed to set up shared kafka container")
	return sharedBrokers
}

// newBackend builds a Backend against a topic unique to this test so
// offsets (and therefore global ids) always start at zero. The broker
// auto-creates the single-partition topic on first produce.
func newBackend(t *testing.T) *kafkabackend.Backend {
	t.Helper()
	topic := fmt.Sprintf("mb-test-%d-%d", time.Now().UnixNano(), atomic.AddInt64(&topicCounter, 1))
	b, err := kafkabackend.New(brokers(t), topic, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
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
	lastBar, err := b.LastID(ctx, "/bar")
	require.NoError(t, err)
	require.Equal(t, int64(1), lastBar)
}

func TestBacklogFiltersByChannelAndSince(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for i := 1; i <= 3; i++ {
		_, err := b.Publish(ctx, "/foo", []byte(fmt.Sprintf(`{"n":%d}`, i)), backend.PublishOptions{})
		require.NoError(t, err)
	}
	_, err := b.Publish(ctx, "/bar", []byte(`{"n":99}`), backend.PublishOptions{})
	require.NoError(t, err)

	msgs, err := b.Backlog(ctx, "/foo", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(2), msgs[0].ID)
	require.Equal(t, int64(3), msgs[1].ID)
	for _, m := range msgs {
		require.Equal(t, "/foo", m.Channel)
	}
}

func TestGlobalBacklogStartsAfterGlobalID(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	for i := 1; i <= 4; i++ {
		_, err := b.Publish(ctx, "/chan", []byte(fmt.Sprintf(`{"n":%d}`, i)), backend.PublishOptions{})
		require.NoError(t, err)
	}

	msgs, err := b.GlobalBacklog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, int64(2), msgs[0].GlobalID)
	require.Equal(t, int64(4), msgs[2].GlobalID)
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
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
	time.Sleep(time.Second)

	_, err := b.Publish(ctx, "/chan", []byte("1"), backend.PublishOptions{})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "/chan", []byte("2"), backend.PublishOptions{})
	require.NoError(t, err)

	require.Equal(t, int64(1), <-gotIDs)
	require.Equal(t, int64(2), <-gotIDs)

	cancel()
	<-subDone
}

func TestGlobalSubscribeReplaysBacklogFromLastID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b := newBackend(t)

	for i := 1; i <= 3; i++ {
		_, err := b.Publish(ctx, "/chan", []byte(fmt.Sprintf("%d", i)), backend.PublishOptions{})
		require.NoError(t, err)
	}

	gotIDs := make(chan int64, 8)
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		_ = b.GlobalSubscribe(ctx, 1, func(msg message.Message) {
			gotIDs <- msg.GlobalID
		})
	}()

	// The startup drain replays everything after global id 1, and the live
	// consumer's duplicate guard suppresses the same records re-read off
	// the topic.
	require.Equal(t, int64(2), <-gotIDs)
	require.Equal(t, int64(3), <-gotIDs)

	_, err := b.Publish(ctx, "/chan", []byte("4"), backend.PublishOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(4), <-gotIDs)

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
	time.Sleep(time.Second)
	require.NoError(t, b.GlobalUnsubscribe(ctx))

	select {
	case <-subDone:
	case <-time.After(15 * time.Second):
		t.Fatal("GlobalSubscribe did not return after GlobalUnsubscribe")
	}
}