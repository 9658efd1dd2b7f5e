package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/messagebus/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsOnce(t *testing.T) {
	tm := timer.New(nil)
	defer tm.Stop()

	var count int32
	done := make(chan struct{})
	tm.Queue(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestEveryRunsRepeatedly(t *testing.T) {
	tm := timer.New(nil)
	defer tm.Stop()

	var count int32
	h := tm.Every(10*time.Millisecond, func() {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(55 * time.Millisecond)
	h.Cancel()
	seenAtCancel := atomic.LoadInt32(&count)
	require.GreaterOrEqual(t, seenAtCancel, int32(3))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, seenAtCancel, atomic.LoadInt32(&count))
}

func TestCancelBeforeDueNeverRuns(t *testing.T) {
	tm := timer.New(nil)
	defer tm.Stop()

	var ran int32
	h := tm.Queue(20*time.Millisecond, func() {
		atomic.AddInt32(&ran, 1)
	})
	h.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestPanicInJobIsRecoveredAndReported(t *testing.T) {
	var recovered interface{}
	done := make(chan struct{})
	tm := timer.New(func(r interface{}) {
		recovered = r
		close(done)
	})
	defer tm.Stop()

	tm.Queue(5*time.Millisecond, func() {
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("error callback never invoked")
	}
	assert.Equal(t, "boom", recovered)
}
