// Package counter implements fixed-window request counters for the rate limiter.
package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"parcelflow/internal/ratelimit/models"
)

const shardCount = 64

type record struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[models.CounterKey]*record
}

// InMemoryStore keeps counters in process memory. Counters are not shared
// between instances, so it suits single-node deployments, tests and fallback.
type InMemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

type MemoryOption func(*InMemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty in-memory counter store.
func NewInMemory(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[models.CounterKey]*record)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) shardFor(key models.CounterKey) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.Identifier))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Endpoint))
	return s.shards[h.Sum64()%shardCount]
}

// CheckRateLimit counts one request against the key's current window.
func (s *InMemoryStore) CheckRateLimit(_ context.Context, identifier, endpoint string, maxRequests int, window time.Duration) (*models.RateLimitResult, error) {
	key := models.CounterKey{Identifier: identifier, Endpoint: endpoint}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	rec := sh.records[key]
	if rec == nil {
		rec = &record{}
		sh.records[key] = rec
	}
	if !rec.resetAt.After(now) {
		rec.count = 0
		rec.resetAt = now.Add(window)
	}
	rec.count++

	return models.NewRateLimitResult(maxRequests, rec.count, rec.resetAt), nil
}

// Peek reads a counter without counting.
func (s *InMemoryStore) Peek(_ context.Context, identifier, endpoint string) (*models.CounterState, error) {
	key := models.CounterKey{Identifier: identifier, Endpoint: endpoint}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	state := &models.CounterState{Identifier: identifier, Endpoint: endpoint}
	if rec := sh.records[key]; rec != nil && rec.resetAt.After(s.now()) {
		state.Count = rec.count
		state.ResetAt = rec.resetAt
	}
	return state, nil
}

// Release refunds one request in a live window.
func (s *InMemoryStore) Release(_ context.Context, identifier, endpoint string) error {
	key := models.CounterKey{Identifier: identifier, Endpoint: endpoint}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec := sh.records[key]; rec != nil && rec.count > 0 && rec.resetAt.After(s.now()) {
		rec.count--
	}
	return nil
}

// Reset deletes a counter.
func (s *InMemoryStore) Reset(_ context.Context, identifier, endpoint string) error {
	key := models.CounterKey{Identifier: identifier, Endpoint: endpoint}
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.records, key)
	return nil
}

// Sweep deletes counters whose window has ended and returns how many it removed.
func (s *InMemoryStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		now := s.now()
		for key, rec := range sh.records {
			if !rec.resetAt.After(now) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored counters, expired ones included.
func (s *InMemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}
