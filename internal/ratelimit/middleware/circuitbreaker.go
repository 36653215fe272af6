package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"parcelflow/internal/ratelimit/metrics"
	"parcelflow/internal/ratelimit/models"
	"parcelflow/internal/ratelimit/ports"
	"parcelflow/pkg/platform/circuit"
)

// ErrCircuitOpen is returned while the breaker short-circuits the primary store
// and no fallback store is configured.
var ErrCircuitOpen = errors.New("counter store circuit open")

// decision is the outcome of one guarded count.
type decision struct {
	result *models.RateLimitResult
	// store is the backend that counted the request; Release must go there too.
	store ports.CounterStore
	// degraded is set while the breaker is open.
	degraded bool
}

// storeGuard wraps the primary counter store with a per-call timeout, a
// circuit breaker and tracing. While the breaker is open:
// - calls are skipped until the cooldown elapses;
// - the optional fallback store counts instead;
// - callers see degraded so they can flag the response.
type storeGuard struct {
	primary  ports.CounterStore
	fallback ports.CounterStore
	breaker  *circuit.Breaker
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

func (g *storeGuard) check(ctx context.Context, policy, identifier, endpoint string, maxRequests int, window time.Duration) (decision, error) {
	if g.breaker.Allow() {
		result, err := g.checkPrimary(ctx, policy, endpoint, identifier, maxRequests, window)
		if err == nil {
			if _, change := g.breaker.RecordSuccess(); change.Closed {
				g.logger.Info("rate limit store recovered, circuit closed", "breaker", g.breaker.Name())
				g.setBreakerGauge(false)
			}
			return decision{result: result, store: g.primary, degraded: g.breaker.IsOpen()}, nil
		}
		if callerGone(ctx, err) {
			return decision{degraded: g.breaker.IsOpen()}, err
		}
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.Error("rate limit store failing, circuit opened", "breaker", g.breaker.Name(), "error", err)
			g.setBreakerGauge(true)
		}
		if g.fallback == nil {
			return decision{degraded: g.breaker.IsOpen()}, err
		}
	}
	return g.checkFallback(ctx, identifier, endpoint, maxRequests, window)
}

func (g *storeGuard) checkPrimary(ctx context.Context, policy, endpoint, identifier string, maxRequests int, window time.Duration) (*models.RateLimitResult, error) {
	ctx, span := g.tracer.Start(ctx, "ratelimit.check", trace.WithAttributes(
		attribute.String("ratelimit.policy", policy),
		attribute.String("ratelimit.endpoint", endpoint),
		attribute.Int("ratelimit.max_requests", maxRequests),
	))
	defer span.End()

	// A client disconnect must not abort the count; the guard timeout bounds it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.primary.CheckRateLimit(ctx, identifier, endpoint, maxRequests, window)
	if g.metrics != nil {
		g.metrics.ObserveStore("check", start, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter store failure")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("ratelimit.used", result.Used),
		attribute.Bool("ratelimit.allowed", result.Allowed),
	)
	return result, nil
}

// release refunds one request on the store that counted it.
func (g *storeGuard) release(ctx context.Context, store ports.CounterStore, identifier, endpoint string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()
	start := time.Now()
	err := store.Release(ctx, identifier, endpoint)
	if g.metrics != nil && store == g.primary {
		g.metrics.ObserveStore("release", start, err)
	}
	return err
}

// callerGone reports whether err stems from the request's own cancellation
// rather than from the store, so it says nothing about store health.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

func (g *storeGuard) setBreakerGauge(open bool) {
	if g.metrics != nil {
		g.metrics.SetBreakerOpen(open)
	}
}
