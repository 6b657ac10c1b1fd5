package otelobs

import (
	"context"
	"testing"
)

func TestNewMetricsAllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.AllocationLatency == nil {
		t.Error("AllocationLatency is nil")
	}
	if m.AllocationErrors == nil {
		t.Error("AllocationErrors is nil")
	}
	if m.WaitlistDepth == nil {
		t.Error("WaitlistDepth is nil")
	}
	if m.RebootsInFlight == nil {
		t.Error("RebootsInFlight is nil")
	}
	if m.RebootFailures == nil {
		t.Error("RebootFailures is nil")
	}
	if m.ServersStale == nil {
		t.Error("ServersStale is nil")
	}
}

func TestNewMetricsNoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
