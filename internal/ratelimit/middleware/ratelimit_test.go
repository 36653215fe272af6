package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"parcelflow/internal/ratelimit/keys"
	"parcelflow/internal/ratelimit/metrics"
	"parcelflow/internal/ratelimit/models"
	"parcelflow/internal/ratelimit/ports"
	"parcelflow/internal/ratelimit/ports/mocks"
	"parcelflow/internal/ratelimit/store/counter"
	"parcelflow/pkg/platform/circuit"
	"parcelflow/pkg/requestcontext"
	"parcelflow/pkg/testutil"
)

const loginWindow = 15 * time.Minute

type RateLimitSuite struct {
	suite.Suite
	store  *counter.InMemoryStore
	logger *slog.Logger
	calls  atomic.Int32

	mu  sync.Mutex
	now time.Time
}

func TestRateLimitSuite(t *testing.T) {
	suite.Run(t, new(RateLimitSuite))
}

func (s *RateLimitSuite) SetupTest() {
	s.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.store = counter.NewInMemory(counter.WithClock(s.clock))
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.calls.Store(0)
}

func (s *RateLimitSuite) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *RateLimitSuite) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *RateLimitSuite) loginPolicy() *models.Policy {
	return &models.Policy{
		Name:        "login",
		Window:      loginWindow,
		MaxRequests: 5,
		Message:     "Too many login attempts",
		KeyFunc: func(r *http.Request) string {
			return "ip:" + keys.ClientIP(r)
		},
	}
}

func (s *RateLimitSuite) handler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		w.WriteHeader(status)
	})
}

func (s *RateLimitSuite) router(mw *Middleware, p *models.Policy, status int) http.Handler {
	r := chi.NewRouter()
	r.With(mw.Limit(p)).Post("/login", s.handler(status).ServeHTTP)
	r.With(mw.Limit(p)).Get("/api/bookings/{id}", s.handler(status).ServeHTTP)
	r.With(mw.Limit(p)).Get("/api/addresses", s.handler(status).ServeHTTP)
	return r
}

func (s *RateLimitSuite) newMiddleware(store ports.CounterStore, opts ...Option) *Middleware {
	return New(store, s.logger, append([]Option{WithClock(s.clock)}, opts...)...)
}

func (s *RateLimitSuite) login(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = ip + ":40000"
	return testutil.DoRequest(h, req)
}

func (s *RateLimitSuite) TestQuotaEnforcement() {
	h := s.router(s.newMiddleware(s.store), s.loginPolicy(), http.StatusOK)

	s.Run("first five requests are allowed with decreasing remaining", func() {
		for i := 1; i <= 5; i++ {
			rr := s.login(h, "1.2.3.4")
			s.Equal(http.StatusOK, rr.Code, "request %d", i)
			testutil.AssertQuotaHeaders(s.T(), rr, 5, 5-i, i)
		}
	})

	s.Run("sixth request is rejected without reaching the handler", func() {
		rr := s.login(h, "1.2.3.4")
		s.Equal(http.StatusTooManyRequests, rr.Code)
		s.Equal(int32(5), s.calls.Load())
		testutil.AssertQuotaHeaders(s.T(), rr, 5, 0, 6)

		body := testutil.UnmarshalResponse[models.RateLimitExceededResponse](s.T(), rr)
		s.False(body.Success)
		s.Equal("Too many login attempts", body.Message)
		s.Equal(int(loginWindow/time.Second), body.RetryAfter)
		s.Equal(strconv.Itoa(body.RetryAfter), rr.Header().Get(HeaderRetry))
		s.Equal("application/json", rr.Header().Get("Content-Type"))
	})
}

func (s *RateLimitSuite) TestWindowReset() {
	h := s.router(s.newMiddleware(s.store), s.loginPolicy(), http.StatusOK)

	var first *httptest.ResponseRecorder
	for i := range 6 {
		rr := s.login(h, "1.2.3.4")
		if i == 0 {
			first = rr
		}
	}

	s.advance(loginWindow + time.Millisecond)

	rr := s.login(h, "1.2.3.4")
	s.Equal(http.StatusOK, rr.Code)
	s.Equal("1", rr.Header().Get(HeaderUsed))

	before, _ := strconv.ParseInt(first.Header().Get(HeaderReset), 10, 64)
	after, _ := strconv.ParseInt(rr.Header().Get(HeaderReset), 10, 64)
	s.Greater(after, before, "reset time advances with the new window")
}

func (s *RateLimitSuite) TestResetHeaderIsEpochSeconds() {
	h := s.router(s.newMiddleware(s.store), s.loginPolicy(), http.StatusOK)

	rr := s.login(h, "1.2.3.4")
	want := s.clock().Add(loginWindow).Unix()
	s.Equal(strconv.FormatInt(want, 10), rr.Header().Get(HeaderReset))
}

func (s *RateLimitSuite) TestKeyIsolation() {
	h := s.router(s.newMiddleware(s.store), s.loginPolicy(), http.StatusOK)

	for range 6 {
		s.login(h, "1.2.3.4")
	}
	rr := s.login(h, "5.6.7.8")
	s.Equal(http.StatusOK, rr.Code)
	s.Equal("1", rr.Header().Get(HeaderUsed))
}

func (s *RateLimitSuite) TestEndpointIsolationAndRouteTemplates() {
	h := s.router(s.newMiddleware(s.store), s.loginPolicy(), http.StatusOK)

	for range 6 {
		s.login(h, "1.2.3.4")
	}

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "1.2.3.4:1"
		return testutil.DoRequest(h, req)
	}

	s.Run("other endpoint keeps its own quota", func() {
		rr := get("/api/addresses")
		s.Equal(http.StatusOK, rr.Code)
		s.Equal("1", rr.Header().Get(HeaderUsed))
	})

	s.Run("concrete paths of one route share a bucket", func() {
		s.Equal("1", get("/api/bookings/1").Header().Get(HeaderUsed))
		s.Equal("2", get("/api/bookings/2").Header().Get(HeaderUsed))

		state, err := s.store.Peek(context.Background(), "ip:1.2.3.4", "GET:/api/bookings/{id}")
		s.Require().NoError(err)
		s.Equal(2, state.Count)
	})
}

func (s *RateLimitSuite) TestConcurrentSingleQuotaAdmitsOnce() {
	p := s.loginPolicy()
	p.MaxRequests = 1
	h := s.router(s.newMiddleware(s.store), p, http.StatusOK)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = s.login(h, "1.2.3.4").Code
		}()
	}
	wg.Wait()

	s.ElementsMatch([]int{http.StatusOK, http.StatusTooManyRequests}, codes)
	s.Equal(int32(1), s.calls.Load())
}

func (s *RateLimitSuite) TestStoreFailureFailsOpen() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockCounterStore(ctrl)
	store.EXPECT().
		CheckRateLimit(gomock.Any(), "ip:1.2.3.4", "POST:/login", 5, loginWindow).
		Return(nil, errors.New("connection refused"))

	h := s.router(s.newMiddleware(store), s.loginPolicy(), http.StatusCreated)

	var rr *httptest.ResponseRecorder
	s.NotPanics(func() { rr = s.login(h, "1.2.3.4") })
	s.Equal(http.StatusCreated, rr.Code)
	s.Equal(int32(1), s.calls.Load())
	testutil.AssertNoQuotaHeaders(s.T(), rr)
	s.Empty(rr.Header().Get(HeaderStatus))
}

func (s *RateLimitSuite) TestStoreTimeoutFailsOpen() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockCounterStore(ctrl)
	store.EXPECT().
		CheckRateLimit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _, _ string, _ int, _ time.Duration) (*models.RateLimitResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	h := s.router(s.newMiddleware(store, WithStoreTimeout(20*time.Millisecond)), s.loginPolicy(), http.StatusOK)

	start := time.Now()
	rr := s.login(h, "1.2.3.4")
	s.Equal(http.StatusOK, rr.Code)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *RateLimitSuite) TestBreakerShortCircuitsFailingStore() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockCounterStore(ctrl)

	breakerNow := s.clock()
	breaker := circuit.New("test",
		circuit.WithFailureThreshold(3),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return breakerNow }),
	)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store.EXPECT().
		CheckRateLimit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("redis down")).
		Times(3)

	h := s.router(s.newMiddleware(store, WithBreaker(breaker), WithMetrics(m)), s.loginPolicy(), http.StatusOK)

	s.Run("failures below the threshold are not degraded", func() {
		for range 2 {
			rr := s.login(h, "1.2.3.4")
			s.Equal(http.StatusOK, rr.Code)
			s.Empty(rr.Header().Get(HeaderStatus))
		}
	})

	s.Run("threshold failure opens the breaker", func() {
		rr := s.login(h, "1.2.3.4")
		s.Equal(http.StatusOK, rr.Code)
		s.Equal("degraded", rr.Header().Get(HeaderStatus))
		s.Equal(1.0, promtestutil.ToFloat64(m.BreakerOpen))
	})

	s.Run("open breaker skips the store", func() {
		for range 5 {
			rr := s.login(h, "1.2.3.4")
			s.Equal(http.StatusOK, rr.Code)
			s.Equal("degraded", rr.Header().Get(HeaderStatus))
			testutil.AssertNoQuotaHeaders(s.T(), rr)
		}
	})

	s.Run("first call after cooldown closes the breaker", func() {
		breakerNow = breakerNow.Add(time.Minute)
		store.EXPECT().
			CheckRateLimit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(models.NewRateLimitResult(5, 1, s.clock().Add(loginWindow)), nil)

		rr := s.login(h, "1.2.3.4")
		s.Equal(http.StatusOK, rr.Code)
		s.Empty(rr.Header().Get(HeaderStatus))
		s.Equal("1", rr.Header().Get(HeaderUsed))
		s.False(breaker.IsOpen())
		s.Equal(0.0, promtestutil.ToFloat64(m.BreakerOpen))
	})

	s.Equal(8.0, promtestutil.ToFloat64(m.Decisions.WithLabelValues("login", metrics.DecisionFailOpen)))
}

// ctxStore fails with the context error once the context passed to it is done.
type ctxStore struct {
	*counter.InMemoryStore
}

func (c ctxStore) CheckRateLimit(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) (*models.RateLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.InMemoryStore.CheckRateLimit(ctx, identifier, endpoint, maxRequests, window)
}

func (s *RateLimitSuite) cancelledLogin(h http.Handler, ip string) *httptest.ResponseRecorder {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/login", nil).WithContext(ctx)
	req.RemoteAddr = ip + ":40000"
	return testutil.DoRequest(h, req)
}

func (s *RateLimitSuite) TestClientDisconnectDoesNotOpenBreaker() {
	s.Run("store call outlives the cancelled request", func() {
		breaker := circuit.New("test", circuit.WithFailureThreshold(5), circuit.WithCooldown(time.Hour))
		p := s.loginPolicy()
		p.MaxRequests = 1
		h := s.router(s.newMiddleware(ctxStore{s.store}, WithBreaker(breaker)), p, http.StatusOK)

		for i := range 5 {
			rr := s.cancelledLogin(h, "9.9.9."+strconv.Itoa(i))
			s.Empty(rr.Header().Get(HeaderStatus))
		}
		s.False(breaker.IsOpen())

		s.Equal(http.StatusOK, s.login(h, "1.2.3.4").Code)
		for range 19 {
			rr := s.login(h, "1.2.3.4")
			s.Equal(http.StatusTooManyRequests, rr.Code)
			s.Empty(rr.Header().Get(HeaderStatus))
		}
		s.False(breaker.IsOpen())
	})

	s.Run("cancellation errors are not store failures", func() {
		ctrl := gomock.NewController(s.T())
		store := mocks.NewMockCounterStore(ctrl)
		store.EXPECT().
			CheckRateLimit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, context.Canceled).
			Times(3)

		breaker := circuit.New("test", circuit.WithFailureThreshold(1), circuit.WithCooldown(time.Hour))
		h := s.router(s.newMiddleware(store, WithBreaker(breaker)), s.loginPolicy(), http.StatusOK)

		for range 3 {
			rr := s.cancelledLogin(h, "1.2.3.4")
			s.Empty(rr.Header().Get(HeaderStatus))
		}
		s.False(breaker.IsOpen())
	})
}

func (s *RateLimitSuite) TestFallbackStoreCountsWhileDegraded() {
	ctrl := gomock.NewController(s.T())
	primary := mocks.NewMockCounterStore(ctrl)
	primary.EXPECT().
		CheckRateLimit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("redis down")).
		Times(1)

	breaker := circuit.New("test", circuit.WithFailureThreshold(1), circuit.WithCooldown(time.Hour))
	h := s.router(s.newMiddleware(primary, WithBreaker(breaker), WithFallbackStore(s.store)), s.loginPolicy(), http.StatusOK)

	for i := 1; i <= 5; i++ {
		rr := s.login(h, "1.2.3.4")
		s.Equal(http.StatusOK, rr.Code)
		s.Equal("degraded", rr.Header().Get(HeaderStatus))
		testutil.AssertQuotaHeaders(s.T(), rr, 5, 5-i, i)
	}
	rr := s.login(h, "1.2.3.4")
	s.Equal(http.StatusTooManyRequests, rr.Code)
}

func (s *RateLimitSuite) TestHeadersAreDeterminedByStoreDecision() {
	ctrl := gomock.NewController(s.T())
	store := mocks.NewMockCounterStore(ctrl)
	result := models.NewRateLimitResult(5, 3, time.UnixMilli(1_767_000_000_500))
	store.EXPECT().
		CheckRateLimit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(result, nil).
		Times(2)

	h := s.router(s.newMiddleware(store), s.loginPolicy(), http.StatusOK)

	first := s.login(h, "1.2.3.4")
	second := s.login(h, "1.2.3.4")
	s.Equal(first.Header(), second.Header())
	s.Equal("1767000001", first.Header().Get(HeaderReset))
	testutil.AssertQuotaHeaders(s.T(), first, 5, 2, 3)
}

func (s *RateLimitSuite) TestOnLimitReachedFiresOncePerRejection() {
	violations := make(chan models.Violation, 4)
	p := s.loginPolicy()
	p.MaxRequests = 1
	p.OnLimitReached = func(_ context.Context, v models.Violation) {
		violations <- v
	}
	h := s.router(s.newMiddleware(s.store), p, http.StatusOK)

	s.login(h, "1.2.3.4")
	s.Never(func() bool { return len(violations) > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "1.2.3.4:1"
	req.Header.Set("User-Agent", "curl/8.5.0")
	rr := testutil.DoRequest(h, req)
	s.Equal(http.StatusTooManyRequests, rr.Code)

	select {
	case v := <-violations:
		s.Equal("login", v.Policy)
		s.Equal("ip:1.2.3.4", v.Identifier)
		s.Equal("POST:/login", v.Endpoint)
		s.Equal("1.2.3.4", v.ClientIP)
		s.Equal("curl/8.5.0", v.UserAgent)
		s.Equal(1, v.Limit)
		s.Equal(2, v.Used)
		s.Equal(s.clock(), v.OccurredAt)
	case <-time.After(time.Second):
		s.Fail("hook was not called")
	}
	s.Never(func() bool { return len(violations) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func (s *RateLimitSuite) TestViolationUsesResolvedClientMetadata() {
	violations := make(chan models.Violation, 1)
	p := s.loginPolicy()
	p.MaxRequests = 1
	p.OnLimitReached = func(_ context.Context, v models.Violation) {
		violations <- v
	}
	h := s.router(s.newMiddleware(s.store), p, http.StatusOK)

	send := func() *httptest.ResponseRecorder {
		ctx := requestcontext.WithClientMetadata(context.Background(), "203.0.113.7", "parcel-app/2.1")
		req := httptest.NewRequest(http.MethodPost, "/login", nil).WithContext(ctx)
		req.RemoteAddr = "10.0.0.1:1"
		req.Header.Set("User-Agent", "proxy-rewritten")
		return testutil.DoRequest(h, req)
	}
	send()
	s.Equal(http.StatusTooManyRequests, send().Code)

	select {
	case v := <-violations:
		s.Equal("ip:203.0.113.7", v.Identifier)
		s.Equal("203.0.113.7", v.ClientIP)
		s.Equal("parcel-app/2.1", v.UserAgent)
	case <-time.After(time.Second):
		s.Fail("hook was not called")
	}
}

func (s *RateLimitSuite) TestPanickingHookDoesNotAffectResponse() {
	done := make(chan struct{})
	p := s.loginPolicy()
	p.MaxRequests = 1
	p.OnLimitReached = func(context.Context, models.Violation) {
		defer close(done)
		panic("hook exploded")
	}
	h := s.router(s.newMiddleware(s.store), p, http.StatusOK)

	s.login(h, "1.2.3.4")
	rr := s.login(h, "1.2.3.4")
	s.Equal(http.StatusTooManyRequests, rr.Code)

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("hook was not called")
	}
}

func (s *RateLimitSuite) TestPanickingKeyFuncAllowsRequest() {
	p := s.loginPolicy()
	p.KeyFunc = func(*http.Request) string { panic("bad key") }
	m := metrics.New(prometheus.NewRegistry())
	h := s.router(s.newMiddleware(s.store, WithMetrics(m)), p, http.StatusOK)

	rr := s.login(h, "1.2.3.4")
	s.Equal(http.StatusOK, rr.Code)
	testutil.AssertNoQuotaHeaders(s.T(), rr)
	s.Equal(1.0, promtestutil.ToFloat64(m.KeyFuncPanics))
	s.Equal(0.0, promtestutil.ToFloat64(m.HookPanics))
}

func (s *RateLimitSuite) TestSkipSuccessfulRequests() {
	p := s.loginPolicy()
	p.SkipSuccessfulRequests = true

	s.Run("successful responses are refunded", func() {
		h := s.router(s.newMiddleware(s.store), p, http.StatusOK)
		for range 10 {
			s.Equal(http.StatusOK, s.login(h, "1.2.3.4").Code)
		}
		state, err := s.store.Peek(context.Background(), "ip:1.2.3.4", "POST:/login")
		s.Require().NoError(err)
		s.Equal(0, state.Count)
	})

	s.Run("failed responses still count", func() {
		h := s.router(s.newMiddleware(s.store), p, http.StatusUnauthorized)
		for range 5 {
			s.Equal(http.StatusUnauthorized, s.login(h, "9.9.9.9").Code)
		}
		s.Equal(http.StatusTooManyRequests, s.login(h, "9.9.9.9").Code)
	})
}

func (s *RateLimitSuite) TestSkipFailedRequests() {
	p := s.loginPolicy()
	p.SkipFailedRequests = true
	h := s.router(s.newMiddleware(s.store), p, http.StatusBadRequest)

	for range 10 {
		s.Equal(http.StatusBadRequest, s.login(h, "1.2.3.4").Code)
	}
	state, err := s.store.Peek(context.Background(), "ip:1.2.3.4", "POST:/login")
	s.Require().NoError(err)
	s.Equal(0, state.Count)
}

func (s *RateLimitSuite) TestDisabledPassesThrough() {
	p := s.loginPolicy()
	p.MaxRequests = 1
	h := s.router(s.newMiddleware(s.store, WithDisabled(true)), p, http.StatusOK)

	for range 3 {
		rr := s.login(h, "1.2.3.4")
		s.Equal(http.StatusOK, rr.Code)
		testutil.AssertNoQuotaHeaders(s.T(), rr)
	}
}

func (s *RateLimitSuite) TestRecordsDecisionMetrics() {
	m := metrics.New(prometheus.NewRegistry())
	p := s.loginPolicy()
	p.MaxRequests = 2
	h := s.router(s.newMiddleware(s.store, WithMetrics(m)), p, http.StatusOK)

	for range 3 {
		s.login(h, "1.2.3.4")
	}
	s.Equal(2.0, promtestutil.ToFloat64(m.Decisions.WithLabelValues("login", metrics.DecisionAllowed)))
	s.Equal(1.0, promtestutil.ToFloat64(m.Decisions.WithLabelValues("login", metrics.DecisionRejected)))
}

func (s *RateLimitSuite) TestInvalidPolicyPanicsAtWiring() {
	mw := s.newMiddleware(s.store)
	s.Panics(func() { mw.Limit(&models.Policy{Name: "broken", Message: "m"}) })
	s.Panics(func() { mw.Limit(nil) })
}

func TestEndpointKey(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"plain path", "/api/bookings", "GET:/api/bookings"},
		{"dot segments are cleaned", "/api/./bookings/../addresses", "GET:/api/addresses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if got := endpointKey(req); got != tt.want {
				t.Errorf("endpointKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
