// Package workerpool provides the fixed-size fan-out pool the ConnectionManager
// may use instead of delivering on the subscriber goroutine directly: a
// single slow client must never stall delivery to the rest, and bounding
// the worker count bounds how many goroutines a publish burst can spawn.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/messagebus/internal/metrics"
	"github.com/rs/zerolog"
)

// Task is one unit of fan-out work: deliver a single message to a single
// client. Tasks never return a value; failures are the task's own problem to
// log and isolate.
type Task func()

// Pool runs a fixed number of worker goroutines draining a buffered task
// queue. When the queue is full, Submit drops the task rather than spawning
// an unbounded goroutine per delivery.
type Pool struct {
	workerCount int
	queue       chan Task
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
	metrics     *metrics.Registry // optional; nil disables instrumentation
}

// WithMetrics attaches a metrics registry: Submit tracks the dropped-task
// counter and queue-depth gauge. Nil (the default) disables instrumentation.
func (p *Pool) WithMetrics(reg *metrics.Registry) *Pool {
	p.metrics = reg
	return p
}

// New constructs a Pool with workerCount workers and a queue of queueSize
// pending tasks. Call Start before Submit.
func New(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		queue:       make(chan Task, queueSize),
		logger:      logger.With().Str("component", "workerpool").Logger(),
	}
}

// Start launches the worker goroutines. Workers exit once ctx is canceled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			if p.metrics != nil {
				p.metrics.WorkerPoolQueueDepth.Set(float64(len(p.queue)))
			}
			p.runTask(task)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("worker task panicked, worker continues")
		}
	}()
	task()
}

// Submit enqueues task for asynchronous execution. If the queue is full, the
// task is dropped and counted rather than blocking the caller (the
// subscriber goroutine delivering the firehose) or spawning unbounded
// goroutines.
func (p *Pool) Submit(task Task) {
	select {
	case p.queue <- task:
		if p.metrics != nil {
			p.metrics.WorkerPoolQueueDepth.Set(float64(len(p.queue)))
		}
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.WorkerPoolDropped.Inc()
		}
	}
}

// Dropped returns the number of tasks dropped because the queue was full.
func (p *Pool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// QueueDepth returns the number of tasks currently buffered.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// Stop cancels the context driving the workers and waits for them to drain
// their current task. Safe to call once.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
