package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all pipeline metric instruments.
type Metrics struct {
	EventsBuffered  metric.Int64Counter
	EventsEvicted   metric.Int64Counter
	EventsRequeued  metric.Int64Counter
	BatchesUploaded metric.Int64Counter
	UploadDuration  metric.Float64Histogram
	BufferDepth     metric.Int64UpDownCounter
	OutageEntries   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsBuffered, err = meter.Int64Counter("adherenced.buffer.events",
		metric.WithDescription("Events accepted into the local buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsEvicted, err = meter.Int64Counter("adherenced.buffer.evicted",
		metric.WithDescription("Events deleted by capacity enforcement"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRequeued, err = meter.Int64Counter("adherenced.buffer.requeued",
		metric.WithDescription("Stale in-flight events returned to pending"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesUploaded, err = meter.Int64Counter("adherenced.upload.batches",
		metric.WithDescription("Delivery attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadDuration, err = meter.Float64Histogram("adherenced.upload.duration",
		metric.WithDescription("Batch delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BufferDepth, err = meter.Int64UpDownCounter("adherenced.buffer.depth",
		metric.WithDescription("Events currently awaiting delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.OutageEntries, err = meter.Int64Counter("adherenced.upload.outages",
		metric.WithDescription("Transitions into outage mode"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
