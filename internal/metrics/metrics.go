package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil"

// Metrics holds the pipeline counters. All methods are safe on a nil receiver
// so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	recordsAccepted  prometheus.Counter
	recordsRejected  *prometheus.CounterVec
	batchesArchived  prometheus.Counter
	archiveRetries   prometheus.Counter
	batchesSpilled   prometheus.Counter
	candidates       prometheus.Counter
	alertsEmitted    prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	ruleErrors       *prometheus.CounterVec
}

// New registers every counter on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		recordsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_accepted_total",
			Help:      "Records admitted into the ingest buffer.",
		}),
		recordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records refused at admission, by reason.",
		}, []string{"reason"}),
		batchesArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_archived_total",
			Help:      "Archive batches durably written to the archive store.",
		}),
		archiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_retries_total",
			Help:      "Archive store put attempts that were retried.",
		}),
		batchesSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_spilled_total",
			Help:      "Archive batches written to the local spill log after retry exhaustion.",
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Alert candidates produced by the classifier.",
		}),
		alertsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_emitted_total",
			Help:      "Alerts emitted by the deduplicator.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Alert dispatch legs that exhausted retries, by leg.",
		}, []string{"leg"}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule predicate evaluations that panicked, by rule.",
		}, []string{"rule"}),
	}
	reg.MustRegister(
		m.recordsAccepted,
		m.recordsRejected,
		m.batchesArchived,
		m.archiveRetries,
		m.batchesSpilled,
		m.candidates,
		m.alertsEmitted,
		m.dispatchFailures,
		m.ruleErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordsAccepted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsAccepted.Add(float64(n))
}

func (m *Metrics) RecordsRejected(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsRejected.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) BatchArchived(retries int) {
	if m == nil {
		return
	}
	m.batchesArchived.Inc()
	if retries > 0 {
		m.archiveRetries.Add(float64(retries))
	}
}

func (m *Metrics) BatchSpilled(retries int) {
	if m == nil {
		return
	}
	m.batchesSpilled.Inc()
	if retries > 0 {
		m.archiveRetries.Add(float64(retries))
	}
}

func (m *Metrics) Candidates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.candidates.Add(float64(n))
}

func (m *Metrics) AlertEmitted() {
	if m == nil {
		return
	}
	m.alertsEmitted.Inc()
}

func (m *Metrics) DispatchFailed(leg string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(leg).Inc()
}

func (m *Metrics) RuleError(ruleID string) {
	if m == nil {
		return
	}
	m.ruleErrors.WithLabelValues(ruleID).Inc()
}
