package otelobs

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInitDisabledShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitCustomServiceName(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "fleetcored-test",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInitSampleRate(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:    true,
		Exporter:   "none",
		SampleRate: 0.5,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
}

func TestInitTracerCreatesSpans(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "test.span")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrServerUUID.String("cn-1"),
		AttrTicketUUID.String("tk-1"),
	)
	span.End()

	_, span2 := StartServerSpan(context.Background(), p.Tracer, "test.server")
	span2.End()

	_, span3 := StartClientSpan(context.Background(), p.Tracer, "test.client",
		AttrPlanUUID.String("plan-1"),
	)
	span3.End()
}
