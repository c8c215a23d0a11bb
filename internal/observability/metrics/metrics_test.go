package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDispatchIncrementsCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordDispatch("sent")
	m.RecordDispatch("sent")
	m.RecordDispatch("failed")

	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("sent")); got != 2 {
		t.Fatalf("expected 2 sent dispatches, got %v", got)
	}
	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed dispatch, got %v", got)
	}
}

func TestRecordWebhookEventIncrementsCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordWebhookEvent("square", "duplicate")

	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("square", "duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate event, got %v", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordWebhookEvent("square", "accepted")
	m.RecordDispatch("sent")
}
