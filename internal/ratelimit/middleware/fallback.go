package middleware

import (
	"context"
	"time"
)

// checkFallback counts against the local fallback store while the primary is
// unavailable. Without a fallback the caller fails open.
func (g *storeGuard) checkFallback(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) (decision, error) {
	if g.fallback == nil {
		return decision{degraded: true}, ErrCircuitOpen
	}
	result, err := g.fallback.CheckRateLimit(ctx, identifier, endpoint, maxRequests, window)
	if err != nil {
		return decision{degraded: true}, err
	}
	return decision{result: result, store: g.fallback, degraded: true}, nil
}
