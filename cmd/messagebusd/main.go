// Command messagebusd runs the message bus as a standalone HTTP server,
// wiring together the configured backend, connection manager, worker pool,
// and long-poll middleware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adred-codev/messagebus/internal/backend"
	"github.com/adred-codev/messagebus/internal/backend/kafkabackend"
	"github.com/adred-codev/messagebus/internal/backend/memory"
	"github.com/adred-codev/messagebus/internal/backend/postgresbackend"
	"github.com/adred-codev/messagebus/internal/backend/redisbackend"
	"github.com/adred-codev/messagebus/internal/bus"
	"github.com/adred-codev/messagebus/internal/config"
	"github.com/adred-codev/messagebus/internal/connmgr"
	"github.com/adred-codev/messagebus/internal/logging"
	"github.com/adred-codev/messagebus/internal/metrics"
	"github.com/adred-codev/messagebus/internal/middleware"
	"github.com/adred-codev/messagebus/internal/ratelimit"
	"github.com/adred-codev/messagebus/internal/workerpool"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides MB_LOG_LEVEL)")
	flag.Parse()

	bootstrapLogger := logging.New(logging.Config{Level: "info", Format: "console"})

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logging.InitGlobal(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, closeBackend, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize backend")
	}
	defer closeBackend()

	reg := metrics.New()

	var pool *workerpool.Pool
	if cfg.WorkerPoolSize > 0 {
		pool = workerpool.New(cfg.WorkerPoolSize, cfg.WorkerPoolQueueSize, logger).WithMetrics(reg)
		pool.Start(ctx)
	}

	mgr := connmgr.New(logger, pool).WithMetrics(reg)

	hooks := bus.Hooks{}
	b := bus.New(be, mgr, logger, hooks, bus.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		Metrics:           reg,
		OnKeepaliveTimeout: func() {
			reg.KeepaliveTimeouts.Inc()
		},
	})
	b.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Destroy(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down bus")
		}
	}()

	mux := http.NewServeMux()
	mbHandler := middleware.New(b, cfg.MessageBusPrefix, cfg.LongPollInterval, logger).WithMetrics(reg)
	if cfg.RateLimitEnabled {
		limiter := ratelimit.New(ratelimit.Config{
			PerIPRate:   cfg.RateLimitPerIPRate,
			PerIPBurst:  cfg.RateLimitPerIPBurst,
			GlobalRate:  cfg.RateLimitGlobalRate,
			GlobalBurst: cfg.RateLimitGlobalBurst,
		}, logger)
		defer limiter.Stop()
		mbHandler = mbHandler.WithRateLimiter(limiter)
	}
	mux.Handle(cfg.MessageBusPrefix, mbHandler)
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("backend", cfg.Backend).Msg("message bus listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during HTTP shutdown")
	}
}

// buildBackend constructs the backend.Backend selected by cfg.Backend,
// returning a cleanup func that closes the redis client or postgres pool it
// opened. Backend.Close, which bus.Destroy calls, closes that same client or
// pool as well.
func buildBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend.Backend, func(), error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(logger), func() {}, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		be := redisbackend.New(client, logger)
		return backend.NewBuffered(be, logger, 0), func() { _ = client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connecting to postgres: %w", err)
		}
		be := postgresbackend.New(pool, logger)
		if err := be.Migrate(ctx); err != nil {
			pool.Close()
			return nil, func() {}, fmt.Errorf("migrating postgres schema: %w", err)
		}
		return backend.NewBuffered(be, logger, 0), pool.Close, nil

	case "kafka":
		brokers := splitBrokers(cfg.KafkaBrokers)
		be, err := kafkabackend.New(brokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connecting to kafka: %w", err)
		}
		return backend.NewBuffered(be, logger, 0), func() {}, nil

	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func splitBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
