// Package statistics provides the statistics sinks fed by the engine:
// an in-memory performance aggregator, an OTel sink, a fan-out and an
// async dispatcher that keeps sink latency off the engine's workers.
package statistics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// LatencyStats summarizes the samples of one stage
type LatencyStats struct {
	Count  uint64
	Failed uint64
	Min    time.Duration
	Max    time.Duration
	Total  time.Duration
}

func (l LatencyStats) Avg() time.Duration {
	if l.Count == 0 {
		return 0
	}
	return l.Total / time.Duration(l.Count)
}

func (l *LatencyStats) add(d time.Duration, failed bool) {
	if l.Count == 0 || d < l.Min {
		l.Min = d
	}
	if d > l.Max {
		l.Max = d
	}
	l.Count++
	l.Total += d
	if failed {
		l.Failed++
	}
}

// PerformanceMetrics is a snapshot of everything the aggregator has seen
type PerformanceMetrics struct {
	EventsProcessed uint64
	Stages          map[core.Stage]LatencyStats

	OrdersSent      uint64 // reached the execution client
	OrdersFilled    uint64
	OrdersCancelled uint64
	OrdersExpired   uint64
	OrdersRejected  uint64
	RiskRejections  uint64
	Rejections      map[core.RejectReason]uint64

	Volume      map[string]decimal.Decimal
	Positions   map[string]decimal.Decimal
	RealizedPnL decimal.Decimal

	Since time.Time
}

type book struct {
	qty decimal.Decimal // signed
	avg decimal.Decimal
}

// Aggregator is an in-memory core.IStatisticsSink
type Aggregator struct {
	mu      sync.Mutex
	now     func() time.Time
	metrics PerformanceMetrics
	books   map[string]*book
}

func NewAggregator() *Aggregator {
	a := &Aggregator{now: time.Now}
	a.Reset()
	return a
}

// Reset clears all counters
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = PerformanceMetrics{
		Stages:     make(map[core.Stage]LatencyStats),
		Rejections: make(map[core.RejectReason]uint64),
		Volume:     make(map[string]decimal.Decimal),
		Positions:  make(map[string]decimal.Decimal),
		Since:      a.now(),
	}
	a.books = make(map[string]*book)
}

func (a *Aggregator) RecordMeasurement(m core.Measurement) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m.Stage == core.StageIngest {
		a.metrics.EventsProcessed++
	}
	st := a.metrics.Stages[m.Stage]
	st.add(m.Latency, m.Failed)
	a.metrics.Stages[m.Stage] = st
}

func (a *Aggregator) RecordOutcome(o core.OrderOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !o.Reason.IsRiskReason() {
		a.metrics.OrdersSent++
	}
	switch o.State {
	case core.OrderStateFilled:
		a.metrics.OrdersFilled++
	case core.OrderStateCancelled:
		a.metrics.OrdersCancelled++
	case core.OrderStateExpired:
		a.metrics.OrdersExpired++
	case core.OrderStateRejected:
		a.metrics.OrdersRejected++
		if o.Reason.IsRiskReason() {
			a.metrics.RiskRejections++
		}
		a.metrics.Rejections[o.Reason]++
	}

	if o.FilledQty.IsPositive() && o.AvgFillPrice.IsPositive() {
		a.applyFill(o.Instrument, o.Side, o.FilledQty, o.AvgFillPrice)
	}
}

// applyFill books a fill against the per-instrument running position.
// Outcomes carry the order's average price, so PnL is realized per order.
func (a *Aggregator) applyFill(instrument string, side core.Side, qty, price decimal.Decimal) {
	b, ok := a.books[instrument]
	if !ok {
		b = &book{}
		a.books[instrument] = b
	}
	a.metrics.Volume[instrument] = a.metrics.Volume[instrument].Add(tradingutils.Notional(qty, price))

	signed := qty.Mul(side.Sign())
	switch {
	case b.qty.IsZero() || b.qty.Sign() == signed.Sign():
		b.avg = tradingutils.WeightedAverage(b.qty, b.avg, qty, price)
		b.qty = b.qty.Add(signed)
	default:
		closing := tradingutils.MinDecimal(qty, b.qty.Abs())
		// long closes gain on price - avg, short closes on avg - price
		pnl := price.Sub(b.avg).Mul(closing).Mul(decimal.NewFromInt(int64(b.qty.Sign())))
		a.metrics.RealizedPnL = a.metrics.RealizedPnL.Add(pnl)

		b.qty = b.qty.Add(signed)
		if b.qty.IsZero() {
			b.avg = decimal.Zero
		} else if b.qty.Sign() == signed.Sign() {
			b.avg = price
		}
	}
	a.metrics.Positions[instrument] = b.qty
}

// Snapshot returns a deep copy of the current metrics
func (a *Aggregator) Snapshot() PerformanceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.metrics
	out.Stages = make(map[core.Stage]LatencyStats, len(a.metrics.Stages))
	for k, v := range a.metrics.Stages {
		out.Stages[k] = v
	}
	out.Rejections = make(map[core.RejectReason]uint64, len(a.metrics.Rejections))
	for k, v := range a.metrics.Rejections {
		out.Rejections[k] = v
	}
	out.Volume = make(map[string]decimal.Decimal, len(a.metrics.Volume))
	for k, v := range a.metrics.Volume {
		out.Volume[k] = v
	}
	out.Positions = make(map[string]decimal.Decimal, len(a.metrics.Positions))
	for k, v := range a.metrics.Positions {
		out.Positions[k] = v
	}
	return out
}

// Summary renders a human readable trading summary
func (a *Aggregator) Summary() string {
	m := a.Snapshot()
	var sb strings.Builder

	elapsed := a.now().Sub(m.Since).Truncate(time.Millisecond)
	fmt.Fprintf(&sb, "=== Trading Summary (%s) ===\n", elapsed)
	fmt.Fprintf(&sb, "Events processed: %d\n", m.EventsProcessed)

	stages := make([]core.Stage, 0, len(m.Stages))
	for s := range m.Stages {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	for _, s := range stages {
		st := m.Stages[s]
		fmt.Fprintf(&sb, "  %-8s n=%d failed=%d min=%s avg=%s max=%s\n",
			s, st.Count, st.Failed, st.Min, st.Avg(), st.Max)
	}

	fmt.Fprintf(&sb, "Orders: sent=%d filled=%d cancelled=%d expired=%d rejected=%d (risk=%d)\n",
		m.OrdersSent, m.OrdersFilled, m.OrdersCancelled, m.OrdersExpired, m.OrdersRejected, m.RiskRejections)

	reasons := make([]core.RejectReason, 0, len(m.Rejections))
	for r := range m.Rejections {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		fmt.Fprintf(&sb, "  rejected %-18s %d\n", r, m.Rejections[r])
	}

	instruments := make([]string, 0, len(m.Positions))
	for inst := range m.Positions {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)
	for _, inst := range instruments {
		fmt.Fprintf(&sb, "  %-10s position=%s volume=%s\n", inst, m.Positions[inst], m.Volume[inst])
	}
	fmt.Fprintf(&sb, "Realized PnL: %s\n", m.RealizedPnL.StringFixed(4))
	return sb.String()
}

// Report logs the summary every interval until ctx is done, and once more
// on the way out
func (a *Aggregator) Report(ctx context.Context, interval time.Duration, logger core.ILogger) error {
	if interval <= 0 {
		<-ctx.Done()
		logger.Info(a.Summary())
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info(a.Summary())
			return nil
		case <-ticker.C:
			logger.Info(a.Summary())
		}
	}
}
