package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and
// records nothing.
type Registry struct {
	*prometheus.Registry

	fetchTotal       *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	rateLimitWait    *prometheus.HistogramVec
	etlProcessed     *prometheus.CounterVec
	etlQueueDepth    prometheus.Gauge
	riskSnapshots    prometheus.Counter
	alertsRouted     *prometheus.CounterVec
	workersActive    *prometheus.GaugeVec
	watchlistSymbols prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{Registry: reg}

	r.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbase_fetch_total",
			Help: "Total number of upstream fetches",
		},
		[]string{"source", "kind", "status"},
	)
	r.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantbase_fetch_duration_seconds",
			Help:    "Upstream fetch duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)
	r.rateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantbase_rate_limit_wait_seconds",
			Help:    "Time spent blocked in the rate limiter",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60},
		},
		[]string{"scope"},
	)
	r.etlProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbase_etl_processed_total",
			Help: "Total number of raw payloads processed by ETL",
		},
		[]string{"status"},
	)
	r.etlQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantbase_etl_queue_depth",
			Help: "Number of raw payloads waiting in the ETL queue",
		},
	)
	r.riskSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantbase_risk_snapshots_total",
			Help: "Total number of risk snapshots written",
		},
	)
	r.alertsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantbase_alerts_routed_total",
			Help: "Total number of alerts routed to notifiers",
		},
		[]string{"notifier", "status"},
	)
	r.workersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantbase_workers_active",
			Help: "Number of running workers",
		},
		[]string{"type"},
	)
	r.watchlistSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantbase_watchlist_symbols",
			Help: "Number of symbols in watchlist",
		},
	)

	reg.MustRegister(r.fetchTotal)
	reg.MustRegister(r.fetchDuration)
	reg.MustRegister(r.rateLimitWait)
	reg.MustRegister(r.etlProcessed)
	reg.MustRegister(r.etlQueueDepth)
	reg.MustRegister(r.riskSnapshots)
	reg.MustRegister(r.alertsRouted)
	reg.MustRegister(r.workersActive)
	reg.MustRegister(r.watchlistSymbols)

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry})
}

// RecordFetch records one upstream call.
func (r *Registry) RecordFetch(source, kind, status string, seconds float64) {
	if r == nil {
		return
	}
	r.fetchTotal.WithLabelValues(source, kind, status).Inc()
	r.fetchDuration.WithLabelValues(source).Observe(seconds)
}

// RecordRateLimitWait records time blocked on a limiter scope
// ("symbol" or "source").
func (r *Registry) RecordRateLimitWait(scope string, seconds float64) {
	if r == nil {
		return
	}
	r.rateLimitWait.WithLabelValues(scope).Observe(seconds)
}

// RecordETL records the outcome of one processed payload.
func (r *Registry) RecordETL(status string) {
	if r == nil {
		return
	}
	r.etlProcessed.WithLabelValues(status).Inc()
}

// SetETLQueueDepth sets the ETL backlog.
func (r *Registry) SetETLQueueDepth(n int) {
	if r == nil {
		return
	}
	r.etlQueueDepth.Set(float64(n))
}

// RecordRiskSnapshot counts a persisted risk snapshot.
func (r *Registry) RecordRiskSnapshot() {
	if r == nil {
		return
	}
	r.riskSnapshots.Inc()
}

// RecordAlertRouted records an alert delivery attempt.
func (r *Registry) RecordAlertRouted(notifier, status string) {
	if r == nil {
		return
	}
	r.alertsRouted.WithLabelValues(notifier, status).Inc()
}

// SetWorkersActive sets the number of running workers of a type.
func (r *Registry) SetWorkersActive(kind string, count int) {
	if r == nil {
		return
	}
	r.workersActive.WithLabelValues(kind).Set(float64(count))
}

// SetWatchlistSize sets the watchlist size.
func (r *Registry) SetWatchlistSize(size int) {
	if r == nil {
		return
	}
	r.watchlistSymbols.Set(float64(size))
}
