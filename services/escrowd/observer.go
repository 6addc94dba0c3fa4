package escrowd

import (
	"escrowchain/core/events"
	"escrowchain/native/escrow"
	"escrowchain/observability"
)

// MetricsObserver counts value movements as they are published.
type MetricsObserver struct {
	metrics *observability.EscrowMetrics
}

func NewMetricsObserver(metrics *observability.EscrowMetrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

func (o *MetricsObserver) Emit(evt events.Event) {
	if o == nil || evt == nil {
		return
	}
	switch evt.EventType() {
	case escrow.EventTypeFundsReleased:
		o.metrics.RecordMovement("release")
	case escrow.EventTypeFundsRefunded:
		o.metrics.RecordMovement("refund")
	}
}
