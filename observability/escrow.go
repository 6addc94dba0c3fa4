package observability

import (
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records escrow operations, value movements and the current
// lifecycle state.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	movements  *prometheus.CounterVec
	state      *prometheus.GaugeVec
	custody    prometheus.Gauge
	throttles  *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "operations_total",
				Help:      "Escrow operations segmented by operation and outcome kind.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			movements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Name:      "movements_total",
				Help:      "Completed value movements out of custody by kind (release or refund).",
			}, []string{"kind"}),
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "state",
				Help:      "Current escrow lifecycle state; the active state reports 1.",
			}, []string{"state"}),
			custody: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Name:      "custody_balance",
				Help:      "Value currently held in custody, as a float approximation.",
			}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected before reaching the escrow, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.movements,
			escrowRegistry.state,
			escrowRegistry.custody,
			escrowRegistry.throttles,
		)
	})
	return escrowRegistry
}

// ObserveOperation records an operation outcome. Outcome is an error kind
// label such as "ok" or "wrong_state".
func (m *EscrowMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordMovement counts a completed release or refund.
func (m *EscrowMetrics) RecordMovement(kind string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(kind).Inc()
}

// SetState marks current as the active state among all known states.
func (m *EscrowMetrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, name := range all {
		value := 0.0
		if name == current {
			value = 1
		}
		m.state.WithLabelValues(name).Set(value)
	}
}

// SetCustody records the custodied balance.
func (m *EscrowMetrics) SetCustody(balance *uint256.Int) {
	if m == nil || balance == nil {
		return
	}
	f, _ := new(big.Float).SetInt(balance.ToBig()).Float64()
	m.custody.Set(f)
}

// RecordThrottle counts a rejected request.
func (m *EscrowMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}
