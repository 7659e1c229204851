package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestWorkflowMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkflowMetrics(reg)
	m.ObserveTransition("schedule", "SCHEDULED")
	m.ObserveTransition("schedule", "SCHEDULED")
	m.ObserveDispatch("send_confirmation_email", "sent")
	m.ObserveWebhookLatency("voice", 0.25)

	counter, err := m.transitionsTotal.GetMetricWithLabelValues("schedule", "SCHEDULED")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	var out dto.Metric
	if err := counter.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := out.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
}

func TestWorkflowMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkflowMetrics(reg)
	m.ObserveDispatch("sync_calendar", "failed")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "referrals_dispatch_effects_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("dispatch counter not registered")
	}
}

func TestWorkflowMetricsNilSafe(t *testing.T) {
	var m *WorkflowMetrics
	m.ObserveTransition("cancel", "CANCELLED")
	m.ObserveDispatch("effect", "sent")
	m.ObserveWebhookLatency("voice", 0.1)
}
