package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const engineScope = "reqline/engine"

// Instruments holds the engine's spans and counters. The zero value records
// nothing; build one with NewInstruments after Init.
type Instruments struct {
	tracer   trace.Tracer
	mutation metric.Int64Counter
	refused  metric.Int64Counter
	failures metric.Int64Counter
}

func NewInstruments() Instruments {
	return newInstruments(Meter(engineScope), Tracer(engineScope))
}

func newInstruments(m metric.Meter, tracer trace.Tracer) Instruments {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			slog.Warn("telemetry: counter unavailable", "counter", name, "err", err)
		}
		if c == nil {
			return metricnoop.Int64Counter{}
		}
		return c
	}
	return Instruments{
		tracer:   tracer,
		mutation: counter("reqline.mutations", "Committed requirement mutations"),
		refused:  counter("reqline.version.refused", "Version assignments refused by the review gate"),
		failures: counter("reqline.mutations.failed", "Mutations rolled back with an error"),
	}
}

// Start opens a span for op. The returned func ends it, recording err and
// counting the outcome.
func (in Instruments) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if in.tracer == nil {
		return ctx, func(error) {}
	}
	all := append([]attribute.KeyValue{attribute.String("op", op)}, attrs...)
	ctx, span := in.tracer.Start(ctx, "engine."+op, trace.WithAttributes(all...))
	return ctx, func(err error) {
		counter := in.mutation
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			counter = in.failures
		}
		if counter != nil {
			counter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
		span.End()
	}
}

// VersionRefused counts a refused version assignment.
func (in Instruments) VersionRefused(ctx context.Context, projectID string) {
	if in.refused == nil {
		return
	}
	in.refused.Add(ctx, 1, metric.WithAttributes(attribute.String("project", projectID)))
}
