package ditherdmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	ditherdmetrics "github.com/dither/ditherd/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ditherdmetrics.NewCollector(reg)

	if c.Peers == nil {
		t.Error("Peers is nil")
	}
	if c.RTT == nil {
		t.Error("RTT is nil")
	}
	if c.NCCost == nil {
		t.Error("NCCost is nil")
	}
	if c.TraversalDecisions == nil {
		t.Error("TraversalDecisions is nil")
	}
	if c.PacketsSent == nil {
		t.Error("PacketsSent is nil")
	}
	if c.PacketsReceived == nil {
		t.Error("PacketsReceived is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestPeerGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ditherdmetrics.NewCollector(reg)

	c.SetPeerCount(3)
	if v := gaugeValue(t, c.Peers); v != 3 {
		t.Errorf("Peers = %v, want 3", v)
	}

	c.SetPeerCount(1)
	if v := gaugeValue(t, c.Peers); v != 1 {
		t.Errorf("Peers = %v, want 1", v)
	}
}

func TestObserveRTT(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ditherdmetrics.NewCollector(reg)

	c.ObserveRTT("aabbcc", 0.015)
	c.ObserveRTT("aabbcc", 0.020)

	hist, err := c.RTT.GetMetricWithLabelValues("aabbcc")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}

	m := &dto.Metric{}
	if err := hist.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("RTT sample count = %v, want 2", got)
	}
}

func TestNCCostGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ditherdmetrics.NewCollector(reg)

	c.SetNCCost(12.5)
	if v := gaugeValue(t, c.NCCost); v != 12.5 {
		t.Errorf("NCCost = %v, want 12.5", v)
	}
}

func TestTraversalDecisions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ditherdmetrics.NewCollector(reg)

	c.IncTraversalDecision(ditherdmetrics.DecisionForward)
	c.IncTraversalDecision(ditherdmetrics.DecisionForward)
	c.IncTraversalDecision(ditherdmetrics.DecisionDrop)

	if v := counterValue(t, c.TraversalDecisions, ditherdmetrics.DecisionForward); v != 2 {
		t.Errorf("forward decisions = %v, want 2", v)
	}
	if v := counterValue(t, c.TraversalDecisions, ditherdmetrics.DecisionDrop); v != 1 {
		t.Errorf("drop decisions = %v, want 1", v)
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := ditherdmetrics.NewCollector(reg)

	c.IncPacketsSent("aabbcc")
	c.IncPacketsSent("aabbcc")
	c.IncPacketsSent("aabbcc")

	if v := counterValue(t, c.PacketsSent, "aabbcc"); v != 3 {
		t.Errorf("PacketsSent = %v, want 3", v)
	}

	c.IncPacketsReceived("aabbcc")
	c.IncPacketsReceived("aabbcc")

	if v := counterValue(t, c.PacketsReceived, "aabbcc"); v != 2 {
		t.Errorf("PacketsReceived = %v, want 2", v)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a plain prometheus.Gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
