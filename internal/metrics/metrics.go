// Package metrics exposes the ETL cycle counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CycleStats are the per-cycle counts, keyed by label value where the
// metric has a label.
type CycleStats struct {
	Read       map[string]int // by source
	Rejected   map[string]int // by reason
	Duplicates map[string]int // by kind: batch, warehouse, conflict
	Anomalies  map[string]int // by anomaly type
	Inserted   int
	Failed     int
}

// Recorder receives cycle outcomes and scheduler state changes.
type Recorder interface {
	RecordCycle(outcome string, elapsed time.Duration, stats CycleStats)
	RecordState(state string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordCycle(string, time.Duration, CycleStats) {}
func (Noop) RecordState(string)                            {}

// PrometheusRecorder is a Recorder backed by a private Prometheus registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	recordsRead     *prometheus.CounterVec
	recordsRejected *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	factsInserted   prometheus.Counter
	factsFailed     prometheus.Counter
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	schedulerState  *prometheus.GaugeVec

	states []string
}

// NewPrometheusRecorder creates a recorder. states lists every scheduler
// state so the state gauge can be reset to exactly one active state.
func NewPrometheusRecorder(states []string) *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	// Register Go standard metrics and process/OS metrics.
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		recordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_records_read_total",
			Help: "Raw records extracted, by source.",
		}, []string{"source"}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_records_rejected_total",
			Help: "Raw records rejected by validation, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_duplicates_total",
			Help: "Readings skipped as duplicates, by where the duplicate was found.",
		}, []string{"kind"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_anomalies_total",
			Help: "Readings flagged as anomalous, by type.",
		}, []string{"type"}),
		factsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etl_facts_inserted_total",
			Help: "Facts inserted into the warehouse.",
		}),
		factsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etl_facts_failed_total",
			Help: "Validated readings that could not be stored.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_cycles_total",
			Help: "ETL cycles, by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "etl_cycle_duration_seconds",
			Help:    "Wall time of ETL cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "etl_scheduler_state",
			Help: "1 for the scheduler's current state, 0 otherwise.",
		}, []string{"state"}),
		states: states,
	}

	registry.MustRegister(r.recordsRead)
	registry.MustRegister(r.recordsRejected)
	registry.MustRegister(r.duplicates)
	registry.MustRegister(r.anomalies)
	registry.MustRegister(r.factsInserted)
	registry.MustRegister(r.factsFailed)
	registry.MustRegister(r.cycles)
	registry.MustRegister(r.cycleDuration)
	registry.MustRegister(r.schedulerState)

	return r
}

// Registry returns the Prometheus registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) RecordCycle(outcome string, elapsed time.Duration, stats CycleStats) {
	r.cycles.WithLabelValues(outcome).Inc()
	r.cycleDuration.Observe(elapsed.Seconds())

	addAll(r.recordsRead, stats.Read)
	addAll(r.recordsRejected, stats.Rejected)
	addAll(r.duplicates, stats.Duplicates)
	addAll(r.anomalies, stats.Anomalies)
	r.factsInserted.Add(float64(stats.Inserted))
	r.factsFailed.Add(float64(stats.Failed))
}

func (r *PrometheusRecorder) RecordState(state string) {
	for _, s := range r.states {
		r.schedulerState.WithLabelValues(s).Set(0)
	}
	r.schedulerState.WithLabelValues(state).Set(1)
}

func addAll(vec *prometheus.CounterVec, counts map[string]int) {
	for label, n := range counts {
		if n > 0 {
			vec.WithLabelValues(label).Add(float64(n))
		}
	}
}
