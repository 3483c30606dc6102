// Package metrics exposes Prometheus collectors for the dispense pipeline.
// All recording methods are safe on a nil *Metrics, which tests use to opt out.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the pipeline collectors.
type Metrics struct {
	outcomes    *prometheus.CounterVec
	admissions  *prometheus.CounterVec
	ledgerSends *prometheus.CounterVec
	replays     *prometheus.CounterVec
	queueDepth  prometheus.Gauge
}

var (
	defaultOnce sync.Once
	defaultReg  *Metrics
)

// New builds a set of collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galileo",
			Subsystem: "responder",
			Name:      "addresses_total",
			Help:      "Address tokens processed, segmented by outcome bucket.",
		}, []string{"outcome"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galileo",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Admission decisions for address-bearing messages.",
		}, []string{"decision"}),
		ledgerSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galileo",
			Subsystem: "wallet",
			Name:      "sends_total",
			Help:      "Sends handled by the ledger worker, segmented by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "galileo",
			Subsystem: "catchup",
			Name:      "messages_total",
			Help:      "Backlog messages seen during catch-up, segmented by action.",
		}, []string{"action"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "galileo",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Requests waiting in the dispatch queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.admissions, m.ledgerSends, m.replays, m.queueDepth)
	}
	return m
}

// Default returns the process-wide collectors registered with the default registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// RecordOutcome counts n addresses filed under an outcome bucket.
func (m *Metrics) RecordOutcome(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.outcomes.WithLabelValues(outcome).Add(float64(n))
}

// RecordAdmission counts one gate decision.
func (m *Metrics) RecordAdmission(decision string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(decision).Inc()
}

// RecordLedgerSend counts one ledger send result ("ok", "insufficient_funds", "rejected", "error").
func (m *Metrics) RecordLedgerSend(result string) {
	if m == nil {
		return
	}
	m.ledgerSends.WithLabelValues(result).Inc()
}

// RecordReplay counts one backlog message by action ("enqueued", "skipped_answered", "skipped_bot").
func (m *Metrics) RecordReplay(action string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(action).Inc()
}

// SetQueueDepth records the current dispatch queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
