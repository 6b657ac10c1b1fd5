package otelobs

import "go.opentelemetry.io/otel/metric"

// Metrics holds every fleet-core metrics instrument.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	AllocationLatency metric.Float64Histogram
	AllocationErrors  metric.Int64Counter
	WaitlistDepth     metric.Int64UpDownCounter
	RebootsInFlight   metric.Int64UpDownCounter
	RebootFailures    metric.Int64Counter
	ServersStale      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("fleetcore.request.duration",
		metric.WithDescription("HTTP surface request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("fleetcore.task.duration",
		metric.WithDescription("Task dispatch-to-terminal duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AllocationLatency, err = meter.Float64Histogram("fleetcore.allocator.duration",
		metric.WithDescription("Allocate pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AllocationErrors, err = meter.Int64Counter("fleetcore.allocator.errors",
		metric.WithDescription("Allocate calls that returned an error, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitlistDepth, err = meter.Int64UpDownCounter("fleetcore.waitlist.depth",
		metric.WithDescription("Number of queued (non-active) waitlist tickets"),
	)
	if err != nil {
		return nil, err
	}

	m.RebootsInFlight, err = meter.Int64UpDownCounter("fleetcore.reboot.in_flight",
		metric.WithDescription("Number of reboots currently in flight across all plans"),
	)
	if err != nil {
		return nil, err
	}

	m.RebootFailures, err = meter.Int64Counter("fleetcore.reboot.failures",
		metric.WithDescription("Reboot jobs that reported a terminal failure"),
	)
	if err != nil {
		return nil, err
	}

	m.ServersStale, err = meter.Int64UpDownCounter("fleetcore.registry.stale_servers",
		metric.WithDescription("Number of servers currently marked unknown due to heartbeat staleness"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
