package engine

import (
	"context"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// applyReport folds one execution report into the order and risk state.
// Runs on the shard that owns the order.
func (e *Engine) applyReport(sh *shard, qr queuedReport) {
	r := qr.report
	e.counters.reports.Add(1)

	current, ok := sh.order(r.OrderSeq)
	if !ok {
		// evicted between routing and processing
		e.counters.unknownReports.Add(1)
		e.logger.Warn("Execution report for evicted order", "seq", r.OrderSeq, "outcome", r.Outcome.String())
		return
	}
	defer func() {
		e.measure(core.StageReport, current.Instrument(), e.now().Sub(qr.enqueuedAt), false)
	}()

	if current.State.IsTerminal() {
		e.lateReport(current, r)
		return
	}

	now := e.now()
	switch r.Outcome {
	case core.OutcomeAcked:
		e.onAck(sh, current, now)
	case core.OutcomePartiallyFilled, core.OutcomeFilled:
		e.onFill(sh, current, r, now)
	case core.OutcomeRejected:
		e.logger.Info("Order rejected by venue", "seq", current.Seq, "reason", r.Reason)
		e.risk.RecordExecutionOutcome(true)
		e.finish(sh, current.Seq, core.OrderStateRejected, core.RejectExchange, now, true)
	case core.OutcomeCancelled:
		e.finish(sh, current.Seq, core.OrderStateCancelled, core.RejectNone, now, true)
	case core.OutcomeExpired:
		e.finish(sh, current.Seq, core.OrderStateExpired, core.RejectNone, now, true)
	default:
		e.protocolViolation("Unknown report outcome", "seq", current.Seq, "outcome", int(r.Outcome))
	}
}

func (e *Engine) onAck(sh *shard, current core.Order, now time.Time) {
	if current.State != core.OrderStateSubmitted {
		e.protocolViolation("Ack out of lifecycle order", "seq", current.Seq, "state", current.State.String())
	}
	updated, _ := sh.mutateOrder(current.Seq, func(o *core.Order) {
		if o.State == core.OrderStateSubmitted {
			o.State = core.OrderStateAcked
		}
		o.LastReportAt = now
		o.ReportsApplied++
	})
	e.risk.RecordExecutionOutcome(false)
	e.notifyObserver(updated)
}

func (e *Engine) onFill(sh *shard, current core.Order, r core.ExecutionReport, now time.Time) {
	if current.State == core.OrderStateSubmitted {
		e.protocolViolation("Fill before ack", "seq", current.Seq)
	}

	qty := r.FilledQty
	if qty.IsNegative() {
		e.protocolViolation("Negative fill quantity", "seq", current.Seq, "qty", qty.String())
		qty = decimal.Zero
	}
	if remaining := current.RemainingQty(); qty.GreaterThan(remaining) {
		e.protocolViolation("Overfill clamped",
			"seq", current.Seq,
			"reported", qty.String(),
			"remaining", remaining.String())
		qty = remaining
	}

	if qty.IsPositive() {
		if !e.risk.OnFill(current.Seq, qty, r.FillPrice) {
			e.risk.ApplyUnreservedFill(current.Instrument(), current.Side(), qty, r.FillPrice)
		}
	}
	e.risk.RecordExecutionOutcome(false)

	updated, _ := sh.mutateOrder(current.Seq, func(o *core.Order) {
		if qty.IsPositive() {
			o.AvgFillPrice = tradingutils.WeightedAverage(o.FilledQty, o.AvgFillPrice, qty, r.FillPrice)
			o.FilledQty = o.FilledQty.Add(qty)
		}
		o.State = core.OrderStatePartiallyFilled
		o.LastReportAt = now
		o.ReportsApplied++
	})

	outstanding := updated.RemainingQty().IsPositive()
	if r.Outcome == core.OutcomeFilled || !outstanding {
		if outstanding {
			e.protocolViolation("Filled with quantity outstanding",
				"seq", updated.Seq,
				"remaining", updated.RemainingQty().String())
		}
		e.finish(sh, updated.Seq, core.OrderStateFilled, core.RejectNone, now, false)
		return
	}
	e.notifyObserver(updated)
}

// lateReport handles reports for orders that are already terminal. A late
// fill still moves the position; reservations are never touched again.
func (e *Engine) lateReport(current core.Order, r core.ExecutionReport) {
	e.counters.lateReports.Add(1)
	e.logger.Warn("Late execution report",
		"seq", current.Seq,
		"state", current.State.String(),
		"outcome", r.Outcome.String(),
		"error", apperrors.ErrLateReport)

	isFill := r.Outcome == core.OutcomePartiallyFilled || r.Outcome == core.OutcomeFilled
	if isFill && r.FilledQty.IsPositive() {
		e.risk.ApplyUnreservedFill(current.Instrument(), current.Side(), r.FilledQty, r.FillPrice)
	}
}

// finish moves an order to a terminal state, releases whatever reservation
// is left and emits the outcome
func (e *Engine) finish(sh *shard, seq uint64, state core.OrderState, reason core.RejectReason, at time.Time, fromReport bool) {
	final, ok := sh.mutateOrder(seq, func(o *core.Order) {
		o.State = state
		o.RejectReason = reason
		o.TerminalAt = at
		if fromReport {
			o.LastReportAt = at
			o.ReportsApplied++
		}
	})
	if !ok {
		return
	}
	e.risk.Release(seq)
	e.emitOutcome(final)
	e.notifyObserver(final)
}

func (e *Engine) emitOutcome(o core.Order) {
	attrs := []attribute.KeyValue{attribute.String("state", o.State.String())}
	if o.RejectReason != core.RejectNone {
		attrs = append(attrs, attribute.String("reason", o.RejectReason.String()))
	}
	e.metrics.OrderOutcomes.Add(context.Background(), 1, metric.WithAttributes(attrs...))

	e.record(func() {
		e.sink.RecordOutcome(core.OrderOutcome{
			OrderSeq:        o.Seq,
			Instrument:      o.Instrument(),
			Side:            o.Side(),
			State:           o.State,
			Reason:          o.RejectReason,
			FilledQty:       o.FilledQty,
			AvgFillPrice:    o.AvgFillPrice,
			DecisionLatency: o.DecidedAt.Sub(o.CreatedAt),
			Timestamp:       o.TerminalAt,
		})
	})
}
