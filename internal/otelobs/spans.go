package otelobs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for fleet-core spans.
var (
	AttrServerUUID = attribute.Key("fleetcore.server.uuid")
	AttrTicketUUID = attribute.Key("fleetcore.ticket.uuid")
	AttrTaskUUID   = attribute.Key("fleetcore.task.uuid")
	AttrPlanUUID   = attribute.Key("fleetcore.reboot.plan_uuid")
	AttrRebootUUID = attribute.Key("fleetcore.reboot.uuid")
	AttrRoutingKey = attribute.Key("fleetcore.bus.routing_key")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (HTTP surface).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (bus publish, workflow
// job creation).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
