// Package metrics holds the Prometheus collectors shared by the ledger,
// rate limiter, threat scanner and alert dispatcher.
//
// All methods are safe to call on a nil *Metrics, so components can be
// constructed without instrumentation in tests and embedded use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "forgeguard"

// Metrics is the set of collectors for one process.
type Metrics struct {
	ledgerEntries   *prometheus.CounterVec
	ledgerFlushes   *prometheus.CounterVec
	ledgerBuffered  prometheus.Gauge
	rateDecisions   *prometheus.CounterVec
	rateBuckets     prometheus.Gauge
	threatVerdicts  *prometheus.CounterVec
	threatSignals   *prometheus.CounterVec
	alertDispatches *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil registerer creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries recorded, by action and risk level.",
		}, []string{"action", "risk"}),
		ledgerFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "flushed_entries_total",
			Help:      "Entries handed to the durable store, by result (written, requeued).",
		}, []string{"result"}),
		ledgerBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "buffered_entries",
			Help:      "Entries waiting in the in-memory buffer.",
		}),
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions, by rule and outcome.",
		}, []string{"rule", "outcome"}),
		rateBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "active_buckets",
			Help:      "Buckets currently held in memory.",
		}),
		threatVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "assessments_total",
			Help:      "Threat assessments, by verdict (safe, warn, block).",
		}, []string{"verdict"}),
		threatSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "signals_total",
			Help:      "Threat signals emitted, by signal type.",
		}, []string{"type"}),
		alertDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "dispatches_total",
			Help:      "Alert handler invocations, by handler and result.",
		}, []string{"handler", "result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ledgerEntries,
			m.ledgerFlushes,
			m.ledgerBuffered,
			m.rateDecisions,
			m.rateBuckets,
			m.threatVerdicts,
			m.threatSignals,
			m.alertDispatches,
		)
	}
	return m
}

// LedgerRecorded counts one recorded entry.
func (m *Metrics) LedgerRecorded(action, risk string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(action, risk).Inc()
}

// LedgerFlushed counts entries written to and requeued from the store.
func (m *Metrics) LedgerFlushed(written, requeued int) {
	if m == nil {
		return
	}
	if written > 0 {
		m.ledgerFlushes.WithLabelValues("written").Add(float64(written))
	}
	if requeued > 0 {
		m.ledgerFlushes.WithLabelValues("requeued").Add(float64(requeued))
	}
}

// LedgerBuffered sets the current buffer size.
func (m *Metrics) LedgerBuffered(n int) {
	if m == nil {
		return
	}
	m.ledgerBuffered.Set(float64(n))
}

// RateDecision counts one rate limit decision.
func (m *Metrics) RateDecision(rule string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.rateDecisions.WithLabelValues(rule, outcome).Inc()
}

// RateBuckets sets the number of live buckets.
func (m *Metrics) RateBuckets(n int) {
	if m == nil {
		return
	}
	m.rateBuckets.Set(float64(n))
}

// ThreatAssessed counts one assessment and its signals.
func (m *Metrics) ThreatAssessed(verdict string, signalTypes []string) {
	if m == nil {
		return
	}
	m.threatVerdicts.WithLabelValues(verdict).Inc()
	for _, t := range signalTypes {
		m.threatSignals.WithLabelValues(t).Inc()
	}
}

// AlertDispatched counts one handler invocation.
func (m *Metrics) AlertDispatched(handler string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.alertDispatches.WithLabelValues(handler, result).Inc()
}
