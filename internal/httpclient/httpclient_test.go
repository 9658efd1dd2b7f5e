package httpclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/backend/memory"
	"github.com/adred-codev/messagebus/internal/bus"
	"github.com/adred-codev/messagebus/internal/connmgr"
	"github.com/adred-codev/messagebus/internal/httpclient"
	"github.com/adred-codev/messagebus/internal/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"encoding/json"
	"net/http/httptest"
)

func newTestServer(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()
	be := memory.New(zerolog.Nop())
	mgr := connmgr.New(zerolog.Nop(), nil)
	b := bus.New(be, mgr, zerolog.Nop(), bus.Hooks{}, bus.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	h := middleware.New(b, "/message-bus/", 50*time.Millisecond, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, b
}

func TestPollReturnsImmediateBacklog(t *testing.T) {
	srv, b := newTestServer(t)

	_, err := b.Publish(context.Background(), "/news", json.RawMessage(`"hello"`), "", bus.Targets{}, backend.PublishOptions{})
	require.NoError(t, err)

	c := httpclient.New(srv.URL+"/message-bus", "client-1", zerolog.Nop())
	msgs, err := c.Poll(context.Background(), map[string]int64{"/news": 0}, false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "/news", msgs[0].Channel)
}

func TestPollWithDontChunkReturnsImmediateBacklog(t *testing.T) {
	srv, b := newTestServer(t)

	_, err := b.Publish(context.Background(), "/news", json.RawMessage(`"hello"`), "", bus.Targets{}, backend.PublishOptions{})
	require.NoError(t, err)

	c := httpclient.New(srv.URL+"/message-bus", "client-2", zerolog.Nop())
	msgs, err := c.Poll(context.Background(), map[string]int64{"/news": 0}, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestPollOnNeverPublishedChannelTimesOutEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	c := httpclient.New(srv.URL+"/message-bus", "client-3", zerolog.Nop())
	start := time.Now()
	msgs, err := c.Poll(context.Background(), map[string]int64{"/nothing": 0}, false)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestStreamDeliversMessagePublishedWhileParked(t *testing.T) {
	srv, b := newTestServer(t)

	c := httpclient.New(srv.URL+"/message-bus", "client-4", zerolog.Nop())

	results := make(chan []httpclient.Message, 1)
	go func() {
		var got []httpclient.Message
		_ = c.Stream(context.Background(), map[string]int64{"/live": 0}, func(msgs []httpclient.Message) error {
			got = msgs
			return errStop
		})
		results <- got
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := b.Publish(context.Background(), "/live", json.RawMessage(`"ping"`), "", bus.Targets{}, backend.PublishOptions{})
	require.NoError(t, err)

	select {
	case got := <-results:
		require.Len(t, got, 1)
		require.Equal(t, "/live", got[0].Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed delivery")
	}
}

var errStop = errStopSentinel{}

type errStopSentinel struct{}

func (errStopSentinel) Error() string { return "stop" }
