package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the deployment pipeline. A nil
// *Metrics or a disabled instance is safe to call; every recorder is a
// no-op in that case.
type Metrics struct {
	config MetricsConfig

	providerCalls     *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	provisionDuration *prometheus.HistogramVec
	deploysTotal      *prometheus.CounterVec
	deployDuration    *prometheus.HistogramVec
	machinesTracked   *prometheus.GaugeVec
	reconcileDuration *prometheus.HistogramVec
	reconcileRuns     *prometheus.CounterVec
	lockWaitSeconds   prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. When disabled, all recorders are
// no-ops and no registry is created.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"provider", "operation", "status"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		provisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Time from instance create to ready in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		),
		deploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_total",
				Help:      "Total number of per-machine deploy attempts",
			},
			[]string{"service", "status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of per-machine deploys in seconds",
				Buckets:   buckets,
			},
			[]string{"service"},
		),
		machinesTracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machines_tracked",
				Help:      "Current number of tracked machines by status",
			},
			[]string{"status"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconcile runs in seconds",
				Buckets:   buckets,
			},
			[]string{"service"},
		),
		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of reconcile runs by outcome",
			},
			[]string{"service", "outcome"},
		),
		lockWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_lock_wait_seconds",
				Help:      "Time spent waiting for the state store lock",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10},
			},
		),
	}

	registry.MustRegister(
		m.providerCalls,
		m.providerDuration,
		m.provisionDuration,
		m.deploysTotal,
		m.deployDuration,
		m.machinesTracked,
		m.reconcileDuration,
		m.reconcileRuns,
		m.lockWaitSeconds,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.config.Enabled
}

// RecordProviderCall records one provider API call.
func (m *Metrics) RecordProviderCall(provider, operation, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation, status).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordProvision records the create-to-ready latency of one instance.
func (m *Metrics) RecordProvision(provider string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.provisionDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordDeploy records one per-machine deploy attempt.
func (m *Metrics) RecordDeploy(service, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.deploysTotal.WithLabelValues(service, status).Inc()
	m.deployDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetMachinesTracked sets the tracked machine gauge for one status.
func (m *Metrics) SetMachinesTracked(status string, n int) {
	if !m.enabled() {
		return
	}
	m.machinesTracked.WithLabelValues(status).Set(float64(n))
}

// RecordReconcile records one reconcile run.
func (m *Metrics) RecordReconcile(service, outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.reconcileRuns.WithLabelValues(service, outcome).Inc()
	m.reconcileDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordLockWait records time spent acquiring the state store lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if !m.enabled() {
		return
	}
	m.lockWaitSeconds.Observe(d.Seconds())
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
