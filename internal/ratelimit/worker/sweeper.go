// Package worker runs background maintenance for rate limit counters.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"parcelflow/internal/ratelimit/metrics"
	"parcelflow/internal/ratelimit/ports"
)

const defaultSweepInterval = time.Minute

// Sweeper periodically purges expired counters from stores that need it.
type Sweeper struct {
	store    ports.Sweeper
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func NewSweeper(store ports.Sweeper, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper store is required")
	}
	s := &Sweeper{
		store:    store,
		interval: defaultSweepInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start sweeps on every tick until ctx is cancelled. Sweep errors are logged
// and the loop carries on.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("rate limit sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rate limit sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns the number of removed counters.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.store.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("rate limit sweep failed", "error", err)
		}
		return removed
	}
	if removed > 0 {
		s.logger.Debug("rate limit counters swept", "removed", removed)
	}
	if s.metrics != nil {
		s.metrics.AddSwept(removed)
	}
	return removed
}
