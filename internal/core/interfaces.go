// Package core defines the data model and capability interfaces shared by the
// engine, the risk manager and their external collaborators
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IStrategy turns one market event into zero or more order intents. It must
// return before the engine advances past the event for that instrument.
type IStrategy interface {
	Decide(ev MarketEvent, ctx InstrumentContext) ([]OrderIntent, error)
}

// IOrderObserver is optionally implemented by strategies that want order
// lifecycle feedback. Called on the instrument's worker.
type IOrderObserver interface {
	OnOrderUpdate(order Order)
}

// IExecutionClient accepts approved orders. A nil error is an
// acknowledgement of receipt only; lifecycle outcomes arrive later through
// the bound IReportHandler.
type IExecutionClient interface {
	Submit(ctx context.Context, order Order) error
}

// IReportHandler receives asynchronous execution reports
type IReportHandler interface {
	OnExecutionReport(report ExecutionReport) error
}

// IReportBinder is optionally implemented by execution clients that push
// reports back to the engine
type IReportBinder interface {
	BindReports(handler IReportHandler)
}

// IStatisticsSink consumes engine measurements. Calls are fire-and-forget.
type IStatisticsSink interface {
	RecordMeasurement(m Measurement)
	RecordOutcome(o OrderOutcome)
}

// IRiskManager is the synchronous gate between intent and submission
type IRiskManager interface {
	Evaluate(intent OrderIntent, ctx InstrumentContext, seq uint64) Decision
	OnFill(seq uint64, qty, price decimal.Decimal) bool
	Release(seq uint64) bool
	ApplyUnreservedFill(instrument string, side Side, qty, price decimal.Decimal)
	RecordExecutionOutcome(adverse bool)
	Position(instrument string) Position
	BreakerStatus() CircuitBreakerStatus
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
