package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Seek phase metrics
	WavesTotal     *prometheus.CounterVec
	ResearchTotal  prometheus.Counter
	LevelTiers     prometheus.Counter
	LackResult     prometheus.Counter
	PhaseDuration  *prometheus.HistogramVec
	PhaseTimeouts  *prometheus.CounterVec

	// RPC metrics
	RPCTotal    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Summary metrics
	SummaryLack           *prometheus.CounterVec
	SchemaCacheHits       prometheus.Counter
	SchemaCacheMisses     prometheus.Counter
	SchemaCacheReplaced   prometheus.Counter
	SchemaCacheEntries    prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrs_requests_total",
				Help: "Total number of search requests processed",
			},
			[]string{"chain", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrs_request_duration_seconds",
				Help:    "Duration of search request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain"},
		),

		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrs_request_errors_total",
				Help: "Total number of errors attached to search results",
			},
			[]string{"code"},
		),

		WavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrs_waves_total",
				Help: "Total number of fan-out waves issued",
			},
			[]string{"phase"},
		),

		ResearchTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qrs_research_total",
				Help: "Total number of seek waves repeated without the truncate optimizer",
			},
		),

		LevelTiers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qrs_level_tiers_total",
				Help: "Total number of fallback tiers queried",
			},
		),

		LackResult: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qrs_lack_result_total",
				Help: "Total number of seek phases missing at least one responder",
			},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrs_phase_duration_seconds",
				Help:    "Duration of each orchestration phase",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),

		PhaseTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrs_phase_timeouts_total",
				Help: "Total number of phases aborted by the request budget",
			},
			[]string{"phase"},
		),

		RPCTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrs_rpc_total",
				Help: "Total number of backend RPC replies",
			},
			[]string{"cluster", "method", "status"},
		),

		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrs_rpc_duration_seconds",
				Help:    "Duration of backend RPCs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cluster", "method"},
		),

		SummaryLack: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrs_summary_lack_total",
				Help: "Total number of hits returned without a summary",
			},
			[]string{"cluster", "expected"},
		),

		SchemaCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qrs_schema_cache_hits_total",
				Help: "Total number of summary schema cache hits",
			},
		),

		SchemaCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qrs_schema_cache_misses_total",
				Help: "Total number of summary schema cache misses",
			},
		),

		SchemaCacheReplaced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "qrs_schema_cache_updates_total",
				Help: "Total number of summary schema cache writes",
			},
		),

		SchemaCacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "qrs_schema_cache_entries",
				Help: "Current number of cached summary schemas",
			},
		),
	}
}

// RecordRequest records a finished search request
func (m *Metrics) RecordRequest(chain, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(chain, status).Inc()
	m.RequestDuration.WithLabelValues(chain).Observe(duration)
}

// RecordError records an error attached to a result
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.RequestErrors.WithLabelValues(code).Inc()
}

// RecordWave records one fan-out wave
func (m *Metrics) RecordWave(phase string) {
	if m == nil {
		return
	}
	m.WavesTotal.WithLabelValues(phase).Inc()
}

// RecordResearch records a research retry
func (m *Metrics) RecordResearch() {
	if m == nil {
		return
	}
	m.ResearchTotal.Inc()
}

// RecordLevelTier records one fallback tier query
func (m *Metrics) RecordLevelTier() {
	if m == nil {
		return
	}
	m.LevelTiers.Inc()
}

// RecordLackResult records a seek phase with a missing responder
func (m *Metrics) RecordLackResult() {
	if m == nil {
		return
	}
	m.LackResult.Inc()
}

// RecordPhase records the duration of a phase
func (m *Metrics) RecordPhase(phase string, duration float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(duration)
}

// RecordPhaseTimeout records a phase aborted by the request budget
func (m *Metrics) RecordPhaseTimeout(phase string) {
	if m == nil {
		return
	}
	m.PhaseTimeouts.WithLabelValues(phase).Inc()
}

// RecordRPC records one backend reply
func (m *Metrics) RecordRPC(cluster, method, status string, duration float64) {
	if m == nil {
		return
	}
	m.RPCTotal.WithLabelValues(cluster, method, status).Inc()
	m.RPCDuration.WithLabelValues(cluster, method).Observe(duration)
}

// RecordSummaryLack records hits of cluster left without a summary
func (m *Metrics) RecordSummaryLack(cluster string, count int, expected bool) {
	if m == nil || count == 0 {
		return
	}
	label := "false"
	if expected {
		label = "true"
	}
	m.SummaryLack.WithLabelValues(cluster, label).Add(float64(count))
}

// RecordSchemaCacheLookup records a schema cache lookup
func (m *Metrics) RecordSchemaCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.SchemaCacheHits.Inc()
	} else {
		m.SchemaCacheMisses.Inc()
	}
}

// RecordSchemaCacheUpdate records a schema cache write and the resulting size
func (m *Metrics) RecordSchemaCacheUpdate(size int) {
	if m == nil {
		return
	}
	m.SchemaCacheReplaced.Inc()
	m.SchemaCacheEntries.Set(float64(size))
}
