package statistics

import (
	"context"
	"sync/atomic"

	"trading_engine/internal/core"
	"trading_engine/pkg/concurrency"
	"trading_engine/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatcherConfig sizes the dispatch pool
type DispatcherConfig struct {
	Workers int
	Buffer  int
}

// Dispatcher hands records to the wrapped sink on a bounded worker pool.
// Records are dropped and counted when the pool is saturated; delivery
// order across workers is not preserved.
type Dispatcher struct {
	sink    core.IStatisticsSink
	pool    *concurrency.WorkerPool
	logger  core.ILogger
	dropped atomic.Uint64
	panics  atomic.Uint64
	metrics *telemetry.MetricsHolder
}

func NewDispatcher(sink core.IStatisticsSink, cfg DispatcherConfig, logger core.ILogger) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		logger:  logger.WithField("component", "statistics_dispatcher"),
		metrics: telemetry.GetGlobalMetrics(),
	}
	d.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "statistics",
		MaxWorkers:  cfg.Workers,
		MaxCapacity: cfg.Buffer,
		NonBlocking: true,
		OnPanic: func(interface{}) {
			d.panics.Add(1)
		},
	}, logger)
	return d
}

func (d *Dispatcher) RecordMeasurement(m core.Measurement) {
	d.dispatch("measurement", func() { d.sink.RecordMeasurement(m) })
}

func (d *Dispatcher) RecordOutcome(o core.OrderOutcome) {
	d.dispatch("outcome", func() { d.sink.RecordOutcome(o) })
}

func (d *Dispatcher) dispatch(kind string, task func()) {
	if err := d.pool.Submit(task); err != nil {
		if d.dropped.Add(1)%1000 == 1 {
			d.logger.Warn("Statistics record dropped", "kind", kind, "dropped_total", d.dropped.Load(), "error", err)
		}
		d.metrics.DroppedMeasurements.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// Dropped is the number of records lost to saturation or shutdown
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Panics is the number of sink panics recovered by the pool
func (d *Dispatcher) Panics() uint64 {
	return d.panics.Load()
}

// Stop delivers what is queued and stops the pool. Later records are
// dropped.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
	st := d.pool.Stats()
	d.logger.Info("Statistics dispatcher stopped",
		"delivered", st.SuccessfulTasks,
		"failed", st.FailedTasks,
		"dropped", d.dropped.Load())
}
