// Copyright 2024-2026 Aiku AI

package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	outcomes         *prometheus.CounterVec
	events           *prometheus.CounterVec
	backfillPasses   *prometheus.CounterVec
	backfillMessages *prometheus.CounterVec
}

// NewMetrics registers the mirror collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "target_operations_total",
			Help:      "Platform operations against target feeds by operation and outcome.",
		}, []string{"op", "target", "outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "events_total",
			Help:      "Source events handled by the relay engine.",
		}, []string{"kind", "result"}),
		backfillPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "backfill_passes_total",
			Help:      "Backfill passes by result.",
		}, []string{"result"}),
		backfillMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "backfill_messages_total",
			Help:      "Historical messages visited by backfill, by action taken.",
		}, []string{"action"}),
	}
}

func (m *Metrics) outcome(op string, target FeedID, o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op, string(target), o.Kind.String()).Inc()
}

func (m *Metrics) event(kind EventKind, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind.String(), result).Inc()
}

func (m *Metrics) pass(result string) {
	if m == nil {
		return
	}
	m.backfillPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) backfillMessage(action string) {
	if m == nil {
		return
	}
	m.backfillMessages.WithLabelValues(action).Inc()
}
