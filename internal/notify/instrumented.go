package notify

import (
	"context"
	"time"

	"github.com/veltis/authflow/internal/observability"
)

// InstrumentedDispatcher decorates a Dispatcher with dispatch metrics and,
// when the wrapped dispatcher carries a circuit breaker, breaker state
// reporting.
type InstrumentedDispatcher struct {
	next    Dispatcher
	metrics *observability.Metrics
}

// NewInstrumentedDispatcher wraps a dispatcher with metrics recording.
func NewInstrumentedDispatcher(next Dispatcher, metrics *observability.Metrics) *InstrumentedDispatcher {
	return &InstrumentedDispatcher{next: next, metrics: metrics}
}

// Dispatch forwards to the wrapped dispatcher and records the outcome.
func (d *InstrumentedDispatcher) Dispatch(ctx context.Context, msg Message) (Ticket, error) {
	start := time.Now()
	ticket, err := d.next.Dispatch(ctx, msg)

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordDispatch(msg.Channel, status, time.Since(start))

	if wd, ok := d.next.(*WebhookDispatcher); ok {
		d.metrics.SetNotifierCircuitBreakerState(breakerGauge(wd.BreakerState()))
	}
	return ticket, err
}

// breakerGauge maps breaker states onto the gauge convention
// 0=closed, 1=half-open, 2=open.
func breakerGauge(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}
