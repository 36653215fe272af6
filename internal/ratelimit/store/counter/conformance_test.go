package counter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"parcelflow/internal/ratelimit/ports"
)

const (
	testLimit  = 10
	testWindow = time.Minute
)

// storeConformance holds the behaviour every CounterStore backend must share.
// Backend suites embed it and assign store in SetupTest.
type storeConformance struct {
	suite.Suite
	store ports.CounterStore
	ctx   context.Context
}

func (s *storeConformance) TestCountsAreSequential() {
	for i := 1; i <= 15; i++ {
		result, err := s.store.CheckRateLimit(s.ctx, "ip:198.51.100.1", "GET:/api/bookings", testLimit, testWindow)
		s.Require().NoError(err)
		s.Equal(i, result.Used, "request %d", i)
	}
}

func (s *storeConformance) TestAllowedIffWithinQuota() {
	for i := 1; i <= testLimit+3; i++ {
		result, err := s.store.CheckRateLimit(s.ctx, "user:7", "POST:/api/bookings", testLimit, testWindow)
		s.Require().NoError(err)
		s.Equal(result.Used <= testLimit, result.Allowed, "request %d", i)
		s.Equal(max(0, testLimit-result.Used), result.Remaining, "request %d", i)
		s.Equal(testLimit, result.Limit)
	}
}

func (s *storeConformance) TestResetAtIsStableWithinWindow() {
	first, err := s.store.CheckRateLimit(s.ctx, "ip:a", "GET:/x", testLimit, testWindow)
	s.Require().NoError(err)
	second, err := s.store.CheckRateLimit(s.ctx, "ip:a", "GET:/x", testLimit, testWindow)
	s.Require().NoError(err)

	s.WithinDuration(first.ResetAt, second.ResetAt, 100*time.Millisecond)
	s.True(first.ResetAt.After(time.Now().Add(testWindow-5*time.Second)))
}

func (s *storeConformance) TestKeysAreIsolated() {
	s.Run("endpoints are independent", func() {
		for range 3 {
			_, err := s.store.CheckRateLimit(s.ctx, "ip:iso", "POST:/api/auth/login", 3, testWindow)
			s.Require().NoError(err)
		}
		result, err := s.store.CheckRateLimit(s.ctx, "ip:iso", "POST:/api/auth/register", 3, testWindow)
		s.Require().NoError(err)
		s.Equal(1, result.Used)
	})

	s.Run("identifiers are independent", func() {
		_, err := s.store.CheckRateLimit(s.ctx, "email:a@x.com", "POST:/api/auth/login", 3, testWindow)
		s.Require().NoError(err)
		result, err := s.store.CheckRateLimit(s.ctx, "email:b@x.com", "POST:/api/auth/login", 3, testWindow)
		s.Require().NoError(err)
		s.Equal(1, result.Used)
	})

	s.Run("delimiters in identifiers do not collide", func() {
		_, err := s.store.CheckRateLimit(s.ctx, "ip:1", "GET:/y", 3, testWindow)
		s.Require().NoError(err)
		result, err := s.store.CheckRateLimit(s.ctx, "ip", "1:GET:/y", 3, testWindow)
		s.Require().NoError(err)
		s.Equal(1, result.Used)
	})
}

func (s *storeConformance) TestConcurrentRequestsCountExactly() {
	const goroutines = 100

	var wg sync.WaitGroup
	used := make(chan int, goroutines)
	errs := make(chan error, goroutines)

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.store.CheckRateLimit(s.ctx, "ip:203.0.113.5", "POST:/api/bookings", testLimit, testWindow)
			if err != nil {
				errs <- err
				return
			}
			used <- result.Used
		}()
	}
	wg.Wait()
	close(used)
	close(errs)

	for err := range errs {
		s.Require().NoError(err)
	}

	var counts []int
	allowed := 0
	for u := range used {
		counts = append(counts, u)
		if u <= testLimit {
			allowed++
		}
	}
	sort.Ints(counts)

	s.Require().Len(counts, goroutines)
	for i, c := range counts {
		s.Equal(i+1, c, "every post-increment count is observed exactly once")
	}
	s.Equal(testLimit, allowed)
}

func (s *storeConformance) TestPeekDoesNotCount() {
	state, err := s.store.Peek(s.ctx, "ip:peek", "GET:/x")
	s.Require().NoError(err)
	s.Equal(0, state.Count)
	s.True(state.ResetAt.IsZero())

	for range 2 {
		_, err := s.store.CheckRateLimit(s.ctx, "ip:peek", "GET:/x", testLimit, testWindow)
		s.Require().NoError(err)
	}

	state, err = s.store.Peek(s.ctx, "ip:peek", "GET:/x")
	s.Require().NoError(err)
	s.Equal(2, state.Count)
	s.False(state.ResetAt.IsZero())

	result, err := s.store.CheckRateLimit(s.ctx, "ip:peek", "GET:/x", testLimit, testWindow)
	s.Require().NoError(err)
	s.Equal(3, result.Used)
}

func (s *storeConformance) TestReleaseNeverBelowZero() {
	s.Require().NoError(s.store.Release(s.ctx, "ip:rel", "GET:/x"), "release of a missing counter is a no-op")

	_, err := s.store.CheckRateLimit(s.ctx, "ip:rel", "GET:/x", testLimit, testWindow)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Release(s.ctx, "ip:rel", "GET:/x"))
	s.Require().NoError(s.store.Release(s.ctx, "ip:rel", "GET:/x"))

	state, err := s.store.Peek(s.ctx, "ip:rel", "GET:/x")
	s.Require().NoError(err)
	s.Equal(0, state.Count)

	result, err := s.store.CheckRateLimit(s.ctx, "ip:rel", "GET:/x", testLimit, testWindow)
	s.Require().NoError(err)
	s.Equal(1, result.Used)
}

func (s *storeConformance) TestResetDeletesCounter() {
	for range 5 {
		_, err := s.store.CheckRateLimit(s.ctx, "ip:reset", "GET:/x", testLimit, testWindow)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.store.Reset(s.ctx, "ip:reset", "GET:/x"))

	result, err := s.store.CheckRateLimit(s.ctx, "ip:reset", "GET:/x", testLimit, testWindow)
	s.Require().NoError(err)
	s.Equal(1, result.Used)
}

func uniqueKey(prefix string, i int) string {
	return fmt.Sprintf("%s:%d", prefix, i)
}
