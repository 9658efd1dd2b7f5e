// Package messagebus is the embeddable facade: a Service bundles a
// backend, a connection manager, the bus, and the long-poll middleware so
// a host HTTP server can mount one handler without wiring internal/...
// packages by hand. cmd/messagebusd is the reference binary that does the
// same wiring standalone; this package exists for callers who want the bus
// as a library inside their own process.
package messagebus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/bus"
	"github.com/adred-codev/messagebus/internal/connmgr"
	"github.com/adred-codev/messagebus/internal/metrics"
	"github.com/adred-codev/messagebus/internal/middleware"
	"github.com/adred-codev/messagebus/internal/ratelimit"
	"github.com/adred-codev/messagebus/internal/workerpool"
	"github.com/rs/zerolog"
)

// Re-exported so callers don't need to import internal/... packages
// directly to configure hooks, targets, or publish options.
type (
	Hooks          = bus.Hooks
	Targets        = bus.Targets
	PublishOptions = backend.PublishOptions
	Backend        = backend.Backend
)

// Config configures a Service.
type Config struct {
	// Prefix is the path prefix the long-poll handler serves, e.g.
	// "/message-bus/". Defaults to "/message-bus/".
	Prefix string

	// LongPollInterval is how long a parked connection waits before it is
	// closed with an empty payload. Defaults to
	// middleware.DefaultLongPollInterval.
	LongPollInterval time.Duration

	// KeepaliveInterval configures the bus's keepalive watchdog. Zero
	// disables it.
	KeepaliveInterval time.Duration

	// WorkerPoolSize, if > 0, fans out delivery onto a fixed pool instead
	// of the subscriber goroutine, so one slow client's write never delays
	// the rest.
	WorkerPoolSize      int
	WorkerPoolQueueSize int

	// RateLimit, if non-nil, gates incoming long-poll requests by remote
	// IP before any lookup hook or backend call runs.
	RateLimit *ratelimit.Config

	// Metrics, if non-nil, wires Prometheus instrumentation through the
	// bus, connection manager, worker pool, and long-poll middleware. Nil
	// (the default) auto-constructs a private registry so instrumentation
	// is always on; the host can read it back from Service.Metrics to
	// mount its own /metrics route.
	Metrics *metrics.Registry

	Hooks Hooks
}

// Service bundles everything a host application needs to mount the bus as
// middleware: call Handler to get an http.Handler, call Publish to emit
// messages, call Shutdown on process exit.
type Service struct {
	Bus     *bus.Bus
	Metrics *metrics.Registry
	handler *middleware.Handler
	pool    *workerpool.Pool
	limiter *ratelimit.Limiter
}

// New builds a Service around be. The caller owns be's lifecycle (creation
// and Close); New only calls Reset!-free operations against it.
func New(be backend.Backend, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "/message-bus/"
	}

	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.New()
	}

	var pool *workerpool.Pool
	if cfg.WorkerPoolSize > 0 {
		pool = workerpool.New(cfg.WorkerPoolSize, cfg.WorkerPoolQueueSize, logger).WithMetrics(reg)
	}

	mgr := connmgr.New(logger, pool).WithMetrics(reg)
	b := bus.New(be, mgr, logger, cfg.Hooks, bus.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		Metrics:           reg,
	})

	h := middleware.New(b, cfg.Prefix, cfg.LongPollInterval, logger).WithMetrics(reg)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.New(*cfg.RateLimit, logger)
		h = h.WithRateLimiter(limiter)
	}

	return &Service{Bus: b, Metrics: reg, handler: h, pool: pool, limiter: limiter}
}

// Start launches the bus's subscriber goroutine and (if configured) the
// worker pool. It must be called once before Handler serves any traffic.
func (s *Service) Start(ctx context.Context) {
	if s.pool != nil {
		s.pool.Start(ctx)
	}
	s.Bus.Start(ctx)
}

// Handler returns the http.Handler to mount at cfg.Prefix.
func (s *Service) Handler() http.Handler { return s.handler }

// Publish is a thin pass-through to the underlying Bus, for callers that
// don't want to import internal/bus directly.
func (s *Service) Publish(ctx context.Context, channel string, data json.RawMessage, siteID string, targets Targets, opts PublishOptions) (int64, error) {
	return s.Bus.Publish(ctx, channel, data, siteID, targets, opts)
}

// Shutdown stops the subscriber goroutine and rate limiter sweeper, and
// waits up to the context deadline for in-flight work to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.Bus.Destroy(ctx)
}
