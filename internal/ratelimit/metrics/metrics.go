package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision labels.
const (
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
	DecisionFailOpen = "fail_open"
	DecisionSkipped  = "skipped"
)

type Metrics struct {
	Decisions     *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec
	StoreLatency  *prometheus.HistogramVec
	Releases      *prometheus.CounterVec
	BreakerOpen   prometheus.Gauge
	HookPanics    prometheus.Counter
	KeyFuncPanics prometheus.Counter
	SweptCounters prometheus.Counter
}

// New registers the rate limit collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelflow_ratelimit_decisions_total",
			Help: "Rate limit decisions by policy and outcome",
		}, []string{"policy", "decision"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelflow_ratelimit_store_errors_total",
			Help: "Counter store failures by operation",
		}, []string{"operation"}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcelflow_ratelimit_store_duration_seconds",
			Help:    "Counter store call latency",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"operation"}),
		Releases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelflow_ratelimit_releases_total",
			Help: "Requests refunded by outcome-based exemption",
		}, []string{"policy"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "parcelflow_ratelimit_breaker_open",
			Help: "1 while the counter store circuit breaker is open",
		}),
		HookPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "parcelflow_ratelimit_hook_panics_total",
			Help: "Recovered panics in limit-reached hooks",
		}),
		KeyFuncPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "parcelflow_ratelimit_key_func_panics_total",
			Help: "Recovered panics in policy key functions",
		}),
		SweptCounters: f.NewCounter(prometheus.CounterOpts{
			Name: "parcelflow_ratelimit_swept_counters_total",
			Help: "Expired counters removed by the sweeper",
		}),
	}
}

func (m *Metrics) RecordDecision(policy, decision string) {
	m.Decisions.WithLabelValues(policy, decision).Inc()
}

func (m *Metrics) ObserveStore(operation string, start time.Time, err error) {
	m.StoreLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordRelease(policy string) {
	m.Releases.WithLabelValues(policy).Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}

func (m *Metrics) IncrementHookPanics() {
	m.HookPanics.Inc()
}

func (m *Metrics) IncrementKeyFuncPanics() {
	m.KeyFuncPanics.Inc()
}

func (m *Metrics) AddSwept(n int) {
	m.SweptCounters.Add(float64(n))
}
