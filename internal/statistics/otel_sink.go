package statistics

import (
	"context"

	"trading_engine/internal/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelSink exports measurements and outcomes as OTel instruments, labelled
// per instrument
type OTelSink struct {
	latency  metric.Float64Histogram
	outcomes metric.Int64Counter
	filled   metric.Float64Counter
}

func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	latency, err := meter.Float64Histogram("statistics_stage_latency_ms",
		metric.WithDescription("Stage latency per instrument"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	outcomes, err := meter.Int64Counter("statistics_order_outcomes_total",
		metric.WithDescription("Terminal order outcomes per instrument"))
	if err != nil {
		return nil, err
	}
	filled, err := meter.Float64Counter("statistics_filled_quantity_total",
		metric.WithDescription("Filled quantity per instrument and side"))
	if err != nil {
		return nil, err
	}
	return &OTelSink{latency: latency, outcomes: outcomes, filled: filled}, nil
}

func (s *OTelSink) RecordMeasurement(m core.Measurement) {
	s.latency.Record(context.Background(), float64(m.Latency.Microseconds())/1000,
		metric.WithAttributes(
			attribute.String("stage", m.Stage.String()),
			attribute.String("instrument", m.Instrument),
			attribute.Bool("failed", m.Failed),
		))
}

func (s *OTelSink) RecordOutcome(o core.OrderOutcome) {
	ctx := context.Background()
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("instrument", o.Instrument),
		attribute.String("state", o.State.String()),
		attribute.String("reason", o.Reason.String()),
	))
	if o.FilledQty.IsPositive() {
		s.filled.Add(ctx, o.FilledQty.InexactFloat64(), metric.WithAttributes(
			attribute.String("instrument", o.Instrument),
			attribute.String("side", o.Side.String()),
		))
	}
}
