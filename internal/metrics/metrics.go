package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the server and batch worker
// export. Constructed once in main and shared by handle.
type Metrics struct {
	// scenario scoring
	ScenarioRequests  prometheus.Counter
	ScenarioTimeouts  prometheus.Counter
	ScenarioCacheHits prometheus.Counter
	ScenarioErrors    prometheus.Counter
	ScenarioLatency   *prometheus.HistogramVec

	// safety alerts
	SafetyEvaluations      *prometheus.CounterVec
	ActiveThresholdVersion *prometheus.GaugeVec

	// telemetry intake
	IngestTotal  prometheus.Counter
	IngestErrors prometheus.Counter
	WALErrors    prometheus.Counter

	// background work
	DriftChecks   prometheus.Counter
	BatchCycles   prometheus.Counter
	BatchDuration prometheus.Histogram
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		ScenarioRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_scenario_requests_total",
			Help: "What-if scenario scoring requests received",
		}),
		ScenarioTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_scenario_timeouts_total",
			Help: "Scenario requests that exceeded the response budget and degraded",
		}),
		ScenarioCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_scenario_cache_hits_total",
			Help: "Scenario requests served from the response cache",
		}),
		ScenarioErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_scenario_errors_total",
			Help: "Scenario requests that failed validation or scoring",
		}),
		ScenarioLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sw_scenario_stage_seconds",
				Help:    "Scenario pipeline latency by stage",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .2, .3, .5, 1},
			},
			[]string{"stage"},
		),
		SafetyEvaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sw_safety_evaluations_total",
				Help: "Safety alert evaluations by resulting risk level",
			},
			[]string{"risk_level"},
		),
		ActiveThresholdVersion: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sw_safety_threshold_active",
				Help: "Set to 1 for the currently active safety threshold version",
			},
			[]string{"version"},
		),
		IngestTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_telemetry_ingest_total",
			Help: "Telemetry rows ingested",
		}),
		IngestErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_telemetry_ingest_errors_total",
			Help: "Telemetry rows rejected at ingest",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_wal_errors_total",
			Help: "Scenario journal write failures",
		}),
		DriftChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_drift_checks_total",
			Help: "Feature drift checks executed",
		}),
		BatchCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sw_batch_cycles_total",
			Help: "Batch worker cycles completed",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sw_batch_cycle_seconds",
			Help:    "Batch worker cycle duration",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// SetActiveThresholdVersion flips the active-version gauge: the new version
// reads 1 and the previous one is cleared so dashboards see a single series.
func (m *Metrics) SetActiveThresholdVersion(version string) {
	m.ActiveThresholdVersion.Reset()
	m.ActiveThresholdVersion.WithLabelValues(version).Set(1)
}
