// Package middleware turns rate limit policies into HTTP middleware.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"parcelflow/internal/ratelimit/keys"
	"parcelflow/internal/ratelimit/metrics"
	"parcelflow/internal/ratelimit/models"
	"parcelflow/internal/ratelimit/ports"
	"parcelflow/pkg/platform/circuit"
	"parcelflow/pkg/platform/httputil"
	"parcelflow/pkg/platform/privacy"
	"parcelflow/pkg/requestcontext"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderUsed      = "X-RateLimit-Used"
	HeaderStatus    = "X-RateLimit-Status"
	HeaderRetry     = "Retry-After"

	defaultStoreTimeout = 250 * time.Millisecond
)

type Middleware struct {
	guard    *storeGuard
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithStoreTimeout bounds each counter store call. Store calls outlive the
// request context, so non-positive values keep the default bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Middleware) {
		if d > 0 {
			m.guard.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Middleware) {
		if b != nil {
			m.guard.breaker = b
		}
	}
}

// WithFallbackStore counts requests locally while the primary store is down
// instead of letting them through uncounted.
func WithFallbackStore(store ports.CounterStore) Option {
	return func(m *Middleware) {
		m.guard.fallback = store
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = metrics
		m.guard.metrics = metrics
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Middleware) {
		if tp != nil {
			m.guard.tracer = tp.Tracer("parcelflow/ratelimit")
		}
	}
}

// WithClock overrides the request-scoped time used for Retry-After.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) {
		m.clock = now
	}
}

func New(store ports.CounterStore, logger *slog.Logger, opts ...Option) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{
		logger: logger,
		guard: &storeGuard{
			primary: store,
			breaker: circuit.New("ratelimit-store"),
			timeout: defaultStoreTimeout,
			tracer:  otel.Tracer("parcelflow/ratelimit"),
			logger:  logger,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// Limit returns middleware enforcing policy. It panics on an invalid policy,
// which is a wiring error caught at startup.
func (m *Middleware) Limit(policy *models.Policy) func(http.Handler) http.Handler {
	if policy == nil {
		panic("ratelimit: nil policy")
	}
	p := *policy
	if p.KeyFunc == nil {
		p.KeyFunc = keys.ByIP
	}
	if err := p.Validate(); err != nil {
		panic(fmt.Sprintf("ratelimit: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			identifier, ok := m.deriveIdentifier(&p, r)
			if !ok {
				m.recordDecision(p.Name, metrics.DecisionFailOpen)
				next.ServeHTTP(w, r)
				return
			}
			endpoint := endpointKey(r)

			dec, err := m.guard.check(ctx, p.Name, identifier, endpoint, p.MaxRequests, p.Window)
			if dec.degraded {
				w.Header().Set(HeaderStatus, "degraded")
			}
			if err != nil {
				m.logStoreFailure(ctx, &p, identifier, endpoint, err)
				m.recordDecision(p.Name, metrics.DecisionFailOpen)
				next.ServeHTTP(w, r)
				return
			}

			setQuotaHeaders(w, dec.result)

			if !dec.result.Allowed {
				m.recordDecision(p.Name, metrics.DecisionRejected)
				m.notify(ctx, &p, r, identifier, endpoint, dec.result)
				writeRateLimitExceeded(w, p.Message, dec.result.RetryAfter(m.now(ctx)))
				return
			}
			m.recordDecision(p.Name, metrics.DecisionAllowed)

			if !p.SkipSuccessfulRequests && !p.SkipFailedRequests {
				next.ServeHTTP(w, r)
				return
			}

			snoop := httpsnoop.CaptureMetrics(next, w, r)
			failed := snoop.Code >= http.StatusBadRequest
			if (failed && p.SkipFailedRequests) || (!failed && p.SkipSuccessfulRequests) {
				if err := m.guard.release(ctx, dec.store, identifier, endpoint); err != nil {
					m.logger.WarnContext(ctx, "failed to release rate limit count",
						"policy", p.Name, "endpoint", endpoint, "error", err)
					return
				}
				if m.metrics != nil {
					m.metrics.RecordRelease(p.Name)
				}
			}
		})
	}
}

// deriveIdentifier runs the policy key function, treating a panic as "no key".
func (m *Middleware) deriveIdentifier(p *models.Policy, r *http.Request) (identifier string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.ErrorContext(r.Context(), "rate limit key function panicked, allowing request",
				"policy", p.Name, "panic", fmt.Sprint(rec))
			if m.metrics != nil {
				m.metrics.IncrementKeyFuncPanics()
			}
			identifier, ok = "", false
		}
	}()
	identifier = p.KeyFunc(r)
	if identifier == "" {
		identifier = keys.Unknown
	}
	return identifier, true
}

// notify hands a violation snapshot to the policy hook off the request path.
func (m *Middleware) notify(ctx context.Context, p *models.Policy, r *http.Request, identifier, endpoint string, result *models.RateLimitResult) {
	if p.OnLimitReached == nil {
		return
	}
	v := models.Violation{
		Policy:     p.Name,
		Identifier: identifier,
		Endpoint:   endpoint,
		Method:     r.Method,
		Path:       r.URL.Path,
		ClientIP:   keys.ClientIP(r),
		UserAgent:  userAgent(r),
		RequestID:  requestcontext.RequestID(ctx),
		Limit:      result.Limit,
		Used:       result.Used,
		ResetAt:    result.ResetAt,
		OccurredAt: m.now(ctx),
	}
	hook := p.OnLimitReached
	hookCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("rate limit hook panicked", "policy", v.Policy, "panic", fmt.Sprint(rec))
				if m.metrics != nil {
					m.metrics.IncrementHookPanics()
				}
			}
		}()
		hook(hookCtx, v)
	}()
}

// userAgent prefers the value captured by the metadata middleware.
func userAgent(r *http.Request) string {
	if ua := requestcontext.UserAgent(r.Context()); ua != "" {
		return ua
	}
	return r.UserAgent()
}

func (m *Middleware) logStoreFailure(ctx context.Context, p *models.Policy, identifier, endpoint string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		m.logger.DebugContext(ctx, "rate limit store circuit open, allowing request",
			"policy", p.Name, "endpoint", endpoint)
		return
	}
	m.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
		"policy", p.Name,
		"endpoint", endpoint,
		"identifier_hash", privacy.HashIdentifier(identifier),
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
}

func (m *Middleware) recordDecision(policy, decision string) {
	if m.metrics != nil {
		m.metrics.RecordDecision(policy, decision)
	}
}

func (m *Middleware) now(ctx context.Context) time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return requestcontext.Now(ctx)
}

func setQuotaHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	h := w.Header()
	h.Set(HeaderLimit, strconv.Itoa(result.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(result.ResetUnix(), 10))
	h.Set(HeaderUsed, strconv.Itoa(result.Used))
}

func writeRateLimitExceeded(w http.ResponseWriter, message string, retryAfter int) {
	w.Header().Set(HeaderRetry, strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Success:    false,
		Message:    message,
		RetryAfter: retryAfter,
	})
}
