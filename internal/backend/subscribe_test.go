package backend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/backend/memory"
	"github.com/adred-codev/messagebus/internal/message"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersToOneChannel(t *testing.T) {
	be := memory.New(zerolog.Nop())
	t.Cleanup(func() { _ = be.Close() })
	ctx := context.Background()

	_, err := be.Publish(ctx, "/wanted", []byte(`"a"`), backend.PublishOptions{})
	require.NoError(t, err)
	_, err = be.Publish(ctx, "/other", []byte(`"noise"`), backend.PublishOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []message.Message
	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = backend.Subscribe(subCtx, be, "/wanted", 0, func(msg message.Message) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = be.Publish(ctx, "/other", []byte(`"more noise"`), backend.PublishOptions{})
	require.NoError(t, err)
	_, err = be.Publish(ctx, "/wanted", []byte(`"b"`), backend.PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/wanted", got[0].Channel)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "/wanted", got[1].Channel)
	assert.Equal(t, int64(2), got[1].ID)
}

func TestSubscribeLiveOnlyWithNegativeLastID(t *testing.T) {
	be := memory.New(zerolog.Nop())
	t.Cleanup(func() { _ = be.Close() })
	ctx := context.Background()

	_, err := be.Publish(ctx, "/c", []byte(`"history"`), backend.PublishOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []message.Message
	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_ = backend.Subscribe(subCtx, be, "/c", -1, func(msg message.Message) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		})
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err = be.Publish(ctx, "/c", []byte(`"live"`), backend.PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}
