// Package observability provides audit logging and event publishing for rate limit violations.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parcelflow/internal/ratelimit/models"
	"parcelflow/pkg/platform/privacy"
	"parcelflow/pkg/requestcontext"
)

const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventCounterReset      = "rate_limit_counter_reset"
)

// LogAudit logs an audit event enriched with the request ID.
func LogAudit(ctx context.Context, logger *slog.Logger, event string, attrList ...any) {
	if logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}
	args := append(attrList, "event", event, "log_type", "audit")
	logger.InfoContext(ctx, event, args...)
}

// LogViolation returns a hook writing one audit line per rejected request.
// Identifiers are hashed and client IPs truncated before they reach the log.
func LogViolation(logger *slog.Logger) models.OnLimitReachedFunc {
	return func(ctx context.Context, v models.Violation) {
		attrs := []any{
			"policy", v.Policy,
			"endpoint", v.Endpoint,
			"identifier_hash", privacy.HashIdentifier(v.Identifier),
			"ip_prefix", privacy.AnonymizeIP(v.ClientIP),
			"limit", v.Limit,
			"used", v.Used,
			"reset_at", v.ResetAt.UTC().Format(time.RFC3339),
		}
		if v.RequestID != "" && requestcontext.RequestID(ctx) == "" {
			attrs = append(attrs, "request_id", v.RequestID)
		}
		LogAudit(ctx, logger, EventRateLimitExceeded, attrs...)
	}
}

// Chain runs hooks in order. A panicking hook is logged and does not stop the rest.
func Chain(logger *slog.Logger, hooks ...models.OnLimitReachedFunc) models.OnLimitReachedFunc {
	var active []models.OnLimitReachedFunc
	for _, h := range hooks {
		if h != nil {
			active = append(active, h)
		}
	}
	return func(ctx context.Context, v models.Violation) {
		for i, h := range active {
			func() {
				defer func() {
					if rec := recover(); rec != nil && logger != nil {
						logger.Error("rate limit hook panicked", "hook", i, "policy", v.Policy, "panic", fmt.Sprint(rec))
					}
				}()
				h(ctx, v)
			}()
		}
	}
}
