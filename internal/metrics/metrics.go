// Package metrics 暴露决策核心的 Prometheus 指标：
//   - optguard_decisions_total{kind,action,tag}
//   - optguard_provider_calls_total{provider,outcome}
//   - optguard_provider_latency_seconds{provider}
//   - optguard_ensemble_latency_seconds{kind,fast_path}
//   - optguard_rate_limited_total{tag}
//   - optguard_kill_switch_active
//   - optguard_circuit_breaker_open
//   - optguard_notifications_dropped_total
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "optguard"

// Metrics 持有独立的 registry，测试之间互不干扰。
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	ensembleLatency  *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
	killSwitchActive prometheus.Gauge
	breakerOpen      prometheus.Gauge
	notifyDropped    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions returned by the orchestrator.",
		}, []string{"kind", "action", "tag"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Opinion provider calls by outcome (ok|error|malformed|escalated).",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of a single opinion provider call including retries.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"provider"}),
		ensembleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ensemble_latency_seconds",
			Help:      "Wall time of an ensemble decision.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"kind", "fast_path"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Decisions blocked by the rate or scan budget guard.",
		}, []string{"tag"}),
		killSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kill_switch_active",
			Help:      "1 while the emergency halt is active.",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the loss circuit breaker blocks new risk.",
		}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Audit notifications dropped because the publish queue was full.",
		}),
	}
	m.registry.MustRegister(
		m.decisions,
		m.providerCalls,
		m.providerLatency,
		m.ensembleLatency,
		m.rateLimited,
		m.killSwitchActive,
		m.breakerOpen,
		m.notifyDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDecision(kind, action, tag string) {
	if tag == "" {
		tag = "none"
	}
	m.decisions.WithLabelValues(kind, action, tag).Inc()
}

// ObserveProviderCall 满足 decision.CallObserver。
func (m *Metrics) ObserveProviderCall(providerID, outcome string, latency time.Duration) {
	m.providerCalls.WithLabelValues(providerID, outcome).Inc()
	m.providerLatency.WithLabelValues(providerID).Observe(latency.Seconds())
}

func (m *Metrics) ObserveEnsemble(kind string, fastPath bool, elapsed time.Duration) {
	fp := "false"
	if fastPath {
		fp = "true"
	}
	m.ensembleLatency.WithLabelValues(kind, fp).Observe(elapsed.Seconds())
}

func (m *Metrics) IncRateLimited(tag string) {
	m.rateLimited.WithLabelValues(tag).Inc()
}

func (m *Metrics) SetKillSwitch(active bool) {
	m.killSwitchActive.Set(boolGauge(active))
}

func (m *Metrics) SetBreakerOpen(open bool) {
	m.breakerOpen.Set(boolGauge(open))
}

func (m *Metrics) IncNotificationDropped() {
	m.notifyDropped.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
