package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.FlowsIntercepted == nil {
		t.Error("FlowsIntercepted is nil")
	}
	if m.FlowsDropped == nil {
		t.Error("FlowsDropped is nil")
	}
	if m.EventsRecorded == nil {
		t.Error("EventsRecorded is nil")
	}
	if m.StoreFailures == nil {
		t.Error("StoreFailures is nil")
	}
	if m.FlowDuration == nil {
		t.Error("FlowDuration is nil")
	}
	if m.ActiveFlows == nil {
		t.Error("ActiveFlows is nil")
	}
	if m.TokensObserved == nil {
		t.Error("TokensObserved is nil")
	}
	if m.APIRequests == nil {
		t.Error("APIRequests is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.FlowsIntercepted.WithLabelValues("anthropic").Inc()
	m.FlowsDropped.WithLabelValues("telemetry").Inc()
	m.EventsRecorded.WithLabelValues("anthropic", "claude-code").Inc()
	m.StoreFailures.Inc()
	m.ActiveFlows.Set(3)
	m.FlowDuration.WithLabelValues("anthropic").Observe(0.42)
	m.TokensObserved.WithLabelValues("anthropic", "input").Add(100)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"tokentap_flows_intercepted_total",
		"tokentap_flows_dropped_total",
		"tokentap_events_recorded_total",
		"tokentap_store_failures_total",
		"tokentap_active_flows",
		"tokentap_flow_duration_seconds",
		"tokentap_tokens_observed_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
