// Package backtest replays recorded market events through the engine in
// manual mode against a simulated venue
package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

type restingOrder struct {
	seq        uint64
	instrument string
	side       core.Side
	typ        core.OrderType
	limit      decimal.Decimal
	stop       decimal.Decimal
	qty        decimal.Decimal
}

// SimulatedVenue acknowledges every order synchronously and fills resting
// orders when replayed prices cross them. Fills are always complete.
type SimulatedVenue struct {
	now func() time.Time

	mu      sync.Mutex
	handler core.IReportHandler
	marks   map[string]decimal.Decimal
	working map[uint64]*restingOrder
	order   []uint64 // resting seqs in arrival order, for deterministic fills
	fills   uint64
}

func NewSimulatedVenue(now func() time.Time) *SimulatedVenue {
	return &SimulatedVenue{
		now:     now,
		marks:   make(map[string]decimal.Decimal),
		working: make(map[uint64]*restingOrder),
	}
}

func (v *SimulatedVenue) BindReports(handler core.IReportHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = handler
}

func (v *SimulatedVenue) Submit(ctx context.Context, order core.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handler == nil {
		return fmt.Errorf("simulated venue has no report handler")
	}

	ro := &restingOrder{
		seq:        order.Seq,
		instrument: order.Instrument(),
		side:       order.Intent.Side,
		typ:        order.Intent.Type,
		limit:      order.Intent.LimitPrice.Decimal,
		stop:       order.Intent.StopPrice.Decimal,
		qty:        order.Quantity,
	}
	v.report(ro.seq, core.OutcomeAcked, decimal.Zero, decimal.Zero, "")

	mark, known := v.marks[ro.instrument]
	if known {
		if price, ok := ro.fillPrice(mark); ok {
			v.fill(ro, price)
			return nil
		}
	}
	if ro.typ == core.OrderTypeMarket {
		v.report(ro.seq, core.OutcomeRejected, decimal.Zero, decimal.Zero, "no market price")
		return nil
	}
	switch order.Intent.TimeInForce {
	case core.TimeInForceIOC, core.TimeInForceFOK:
		v.report(ro.seq, core.OutcomeCancelled, decimal.Zero, decimal.Zero, "not immediately marketable")
		return nil
	}
	v.working[ro.seq] = ro
	v.order = append(v.order, ro.seq)
	return nil
}

// fillPrice decides whether the order executes at mark and at what price
func (ro *restingOrder) fillPrice(mark decimal.Decimal) (decimal.Decimal, bool) {
	switch ro.typ {
	case core.OrderTypeMarket:
		return mark, true
	case core.OrderTypeLimit:
		if ro.side == core.SideBuy && mark.LessThanOrEqual(ro.limit) {
			return ro.limit, true
		}
		if ro.side == core.SideSell && mark.GreaterThanOrEqual(ro.limit) {
			return ro.limit, true
		}
	case core.OrderTypeStop:
		if ro.side == core.SideBuy && mark.GreaterThanOrEqual(ro.stop) {
			return mark, true
		}
		if ro.side == core.SideSell && mark.LessThanOrEqual(ro.stop) {
			return mark, true
		}
	}
	return decimal.Zero, false
}

// OnMarket updates the mark from trades and fills crossed resting orders
func (v *SimulatedVenue) OnMarket(ev core.MarketEvent) {
	if ev.Kind != core.EventKindTrade || ev.Trade == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[ev.Instrument] = ev.Trade.Price

	kept := v.order[:0]
	for _, seq := range v.order {
		ro, ok := v.working[seq]
		if !ok {
			continue
		}
		if ro.instrument == ev.Instrument {
			if price, crossed := ro.fillPrice(ev.Trade.Price); crossed {
				v.fill(ro, price)
				continue
			}
		}
		kept = append(kept, seq)
	}
	v.order = kept
}

func (v *SimulatedVenue) fill(ro *restingOrder, price decimal.Decimal) {
	delete(v.working, ro.seq)
	v.fills++
	v.report(ro.seq, core.OutcomeFilled, ro.qty, price, "")
}

func (v *SimulatedVenue) report(seq uint64, outcome core.ReportOutcome, qty, price decimal.Decimal, reason string) {
	// a stopped engine refuses reports; the replay is over at that point
	_ = v.handler.OnExecutionReport(core.ExecutionReport{
		OrderSeq:  seq,
		Outcome:   outcome,
		FilledQty: qty,
		FillPrice: price,
		Reason:    reason,
		Timestamp: v.now(),
	})
}

// Working is the number of resting orders
func (v *SimulatedVenue) Working() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.working)
}

// Fills is the number of fills reported
func (v *SimulatedVenue) Fills() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fills
}
