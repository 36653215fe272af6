package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	jwttoken "parcelflow/internal/jwt_token"
	"parcelflow/internal/platform/config"
	"parcelflow/internal/platform/httpserver"
	"parcelflow/internal/platform/kafka"
	"parcelflow/internal/platform/logger"
	platformmetrics "parcelflow/internal/platform/metrics"
	"parcelflow/internal/platform/postgres"
	platformredis "parcelflow/internal/platform/redis"
	ratelimithandler "parcelflow/internal/ratelimit/handler"
	"parcelflow/internal/ratelimit/metrics"
	ratelimit "parcelflow/internal/ratelimit/middleware"
	"parcelflow/internal/ratelimit/models"
	"parcelflow/internal/ratelimit/observability"
	"parcelflow/internal/ratelimit/policy"
	"parcelflow/internal/ratelimit/ports"
	"parcelflow/internal/ratelimit/store/counter"
	"parcelflow/internal/ratelimit/worker"
	httptransport "parcelflow/internal/transport/http"
	"parcelflow/pkg/platform/circuit"
	"parcelflow/pkg/platform/middleware/metadata"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := platformmetrics.NewRegistry()
	rlMetrics := metrics.New(reg)

	store, health, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hooks := []models.OnLimitReachedFunc{observability.LogViolation(log)}
	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		return err
	}
	if producer != nil {
		defer producer.Close()
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.ViolationsTopic, 3, log); err != nil {
			log.Warn("kafka topic bootstrap failed, relying on auto-creation", "error", err)
		}
		publisher := observability.NewPublisher(producer, cfg.Kafka.ViolationsTopic, log)
		hooks = append(hooks, publisher.Publish)
	}

	policies := policy.Defaults()
	if err := policy.ApplyOverrides(policies, cfg.RateLimit.Overrides); err != nil {
		return err
	}
	registry, err := policy.NewRegistry(policy.WithOnLimitReached(policies, observability.Chain(log, hooks...))...)
	if err != nil {
		return err
	}

	breaker := circuit.New("ratelimit-store",
		circuit.WithFailureThreshold(cfg.RateLimit.BreakerFailureThreshold),
		circuit.WithSuccessThreshold(cfg.RateLimit.BreakerSuccessThreshold),
		circuit.WithCooldown(cfg.RateLimit.BreakerCooldown),
	)
	limiter := ratelimit.New(store, log,
		ratelimit.WithDisabled(!cfg.RateLimit.Enabled),
		ratelimit.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
		ratelimit.WithBreaker(breaker),
		ratelimit.WithMetrics(rlMetrics),
	)

	resolver, err := metadata.NewResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)

	router := httptransport.NewRouter(httptransport.NewHandler(log), httptransport.Deps{
		Logger:     log,
		Limiter:    limiter,
		Policies:   registry,
		JWT:        jwttoken.NewJWTServiceAdapter(jwtService),
		Resolver:   resolver,
		AdminToken: cfg.Server.AdminToken,
		Admin:      ratelimithandler.New(store, log),
		Metrics:    platformmetrics.Handler(reg),
		Health:     health,
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting parcelflow", "addr", cfg.Server.Addr, "store", cfg.RateLimit.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sweepable, ok := store.(ports.Sweeper); ok {
		sweeper, err := worker.NewSweeper(sweepable,
			worker.WithInterval(cfg.RateLimit.SweepInterval),
			worker.WithLogger(log),
			worker.WithMetrics(rlMetrics),
		)
		if err != nil {
			return err
		}
		g.Go(func() error { return sweeper.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore builds the configured counter store with its health check and closer.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (ports.CounterStore, httptransport.HealthFunc, func(), error) {
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		if client == nil {
			return nil, nil, nil, errors.New("REDIS_URL is required for the redis store")
		}
		return counter.NewRedis(client.Client), client.Health, func() { _ = client.Close() }, nil
	case config.StorePostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, nil, err
		}
		store := counter.NewPostgres(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return store, db.PingContext, func() { _ = db.Close() }, nil
	default:
		log.Warn("using in-memory rate limit store; counters are not shared between instances")
		return counter.NewInMemory(), nil, func() {}, nil
	}
}
