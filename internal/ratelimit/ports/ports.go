// Package ports defines shared interfaces for the ratelimit module.
package ports

import (
	"context"
	"time"

	"parcelflow/internal/ratelimit/models"
)

//go:generate mockgen -source=ports.go -destination=mocks/ports_mock.go -package=mocks

// CounterStore keeps fixed-window counters keyed by (identifier, endpoint).
// Implementations must be linearizable per key.
type CounterStore interface {
	// CheckRateLimit counts one request and reports whether it fits the quota.
	// An elapsed or missing window restarts at 1 with a fresh reset time.
	CheckRateLimit(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) (*models.RateLimitResult, error)

	// Peek reads a counter without counting. Expired or missing counters read as zero.
	Peek(ctx context.Context, identifier, endpoint string) (*models.CounterState, error)

	// Release refunds one request in a live window, never going below zero.
	Release(ctx context.Context, identifier, endpoint string) error

	// Reset deletes a counter.
	Reset(ctx context.Context, identifier, endpoint string) error
}

// Sweeper is implemented by stores that need expired counters purged.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
