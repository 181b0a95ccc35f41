package notify

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/veltis/authflow/internal/observability"
)

func TestInstrumentedDispatcher_recordsOutcome(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	d := NewInstrumentedDispatcher(NewMemoryDispatcher(), metrics)

	_, err := d.Dispatch(context.Background(), Message{
		Channel:   ChannelEmail,
		Recipient: "ada@example.com",
		Template:  "verify_email",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got := testutil.ToFloat64(metrics.DispatchRequestsTotal.WithLabelValues(ChannelEmail, "ok"))
	if got != 1 {
		t.Errorf("dispatch counter = %v, want 1", got)
	}
}
