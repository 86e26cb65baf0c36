// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine updates. Register once per
// process against the registry served on /metrics.
type Metrics struct {
	QueueDepth         prometheus.Gauge
	CommandsProcessed  *prometheus.CounterVec
	EventsApplied      *prometheus.CounterVec
	DuplicatesDropped  prometheus.Counter
	IllegalTransitions prometheus.Counter
	RiskRejections     *prometheus.CounterVec
	OrdersSubmitted    prometheus.Counter
	FillsApplied       prometheus.Counter
	Reconnects         prometheus.Counter
	LinkHealthy        prometheus.Gauge
	PendingReconcile   prometheus.Gauge
}

// New creates and registers the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_queue_depth",
			Help: "Commands and events waiting in the reactor queue.",
		}),
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_commands_processed_total",
			Help: "Commands consumed by the reactor, by kind.",
		}, []string{"kind"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_events_applied_total",
			Help: "Broker events applied by the reactor, by kind.",
		}, []string{"kind"}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_duplicate_executions_dropped_total",
			Help: "Executions dropped because their execution id was already recorded.",
		}),
		IllegalTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_illegal_transitions_dropped_total",
			Help: "Status events dropped because the transition was illegal.",
		}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_risk_rejections_total",
			Help: "Commands rejected by the risk gate, by rule.",
		}, []string{"rule"}),
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_orders_submitted_total",
			Help: "Orders accepted and handed to the broker adapter.",
		}),
		FillsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_fills_applied_total",
			Help: "Executions folded into order and position state.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_broker_reconnects_total",
			Help: "Broker link transitions from down to up.",
		}),
		LinkHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_broker_link_healthy",
			Help: "1 when the pulse monitor considers the broker link healthy.",
		}),
		PendingReconcile: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_orders_pending_reconcile",
			Help: "Orders awaiting reconciliation against the broker.",
		}),
	}
	reg.MustRegister(
		m.QueueDepth, m.CommandsProcessed, m.EventsApplied, m.DuplicatesDropped,
		m.IllegalTransitions, m.RiskRejections, m.OrdersSubmitted, m.FillsApplied,
		m.Reconnects, m.LinkHealthy, m.PendingReconcile,
	)
	return m
}

// NewNop creates unregistered collectors for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
