package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 查询链路的 Prometheus 指标
// 所有方法对 nil 接收者安全，测试里可以不注册
type Metrics struct {
	resolutions   *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lookup_resolutions_total",
				Help: "Total number of resolve calls by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lookup_provider_attempts_total",
				Help: "Provider attempts by outcome (success, not_configured, rate_limited, failed)",
			},
			[]string{"provider", "outcome"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lookup_provider_fetch_duration_seconds",
				Help:    "Upstream fetch duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lookup_cache_lookups_total",
				Help: "Response cache lookups by result (hit, miss)",
			},
			[]string{"capability", "result"},
		),
	}
}

func (m *Metrics) observeResolution(capability Capability, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(capability), outcome).Inc()
}

func (m *Metrics) observeAttempt(rec AttemptRecord) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(rec.Provider, rec.Outcome).Inc()
	if rec.Outcome == OutcomeSuccess || rec.Outcome == OutcomeFailed {
		m.fetchDuration.WithLabelValues(rec.Provider).Observe(rec.Latency.Seconds())
	}
}

func (m *Metrics) observeCache(capability Capability, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(string(capability), result).Inc()
}

// sinceMillis 毫秒耗时
func sinceMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
