package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wholesale"

// AllocationMetrics tracks the order and ledger core. A nil receiver is a
// no-op so callers never check.
type AllocationMetrics struct {
	ordersPlaced     prometheus.Counter
	placementFailed  *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	reconciliations  prometheus.Counter
	conflictRetries  prometheus.Counter
	unitsConsumed    prometheus.Counter
	unitsRestored    prometheus.Counter
	eventsRelayed    prometheus.Counter
	operationLatency *prometheus.HistogramVec
}

// NewAllocationMetrics builds the collectors and registers them with reg.
// A nil registerer leaves them unregistered.
func NewAllocationMetrics(reg prometheus.Registerer) *AllocationMetrics {
	m := &AllocationMetrics{
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders created in pending status.",
		}),
		placementFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_placement_failures_total",
			Help:      "Rejected order placements by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Successful order status transitions by target status.",
		}, []string{"to"}),
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_warnings_total",
			Help:      "Cancellations that could not restore every consumed unit.",
		}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflict_retries_total",
			Help:      "Operations retried after a compare-and-set conflict.",
		}),
		unitsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "units_consumed_total",
			Help:      "Units taken from inventory batches.",
		}),
		unitsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "units_restored_total",
			Help:      "Units returned to inventory batches.",
		}),
		eventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_relayed_total",
			Help:      "Outbox events published to the broker.",
		}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_ms",
			Help:      "Core operation latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"operation"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ordersPlaced, m.placementFailed, m.transitions, m.reconciliations,
			m.conflictRetries, m.unitsConsumed, m.unitsRestored, m.eventsRelayed,
			m.operationLatency,
		)
	}
	return m
}

func (m *AllocationMetrics) OrderPlaced() {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
}

func (m *AllocationMetrics) PlacementFailed(reason string) {
	if m == nil {
		return
	}
	m.placementFailed.WithLabelValues(reason).Inc()
}

func (m *AllocationMetrics) Transitioned(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *AllocationMetrics) ReconciliationRequired() {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
}

func (m *AllocationMetrics) ConflictRetried() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *AllocationMetrics) UnitsConsumed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unitsConsumed.Add(float64(n))
}

func (m *AllocationMetrics) UnitsRestored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unitsRestored.Add(float64(n))
}

func (m *AllocationMetrics) EventsRelayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsRelayed.Add(float64(n))
}

func (m *AllocationMetrics) ObserveOperation(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(float64(time.Since(started).Milliseconds()))
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a dedicated registry, used when the default one is not.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
