// Package risk implements the synchronous pre-trade risk gate: position and
// exposure accounting, order-rate windows and the portfolio circuit breaker.
package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"
	"trading_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// quotient precision when no quantity step is configured
const clipPrecision = 16

type reservation struct {
	side      core.Side
	remaining decimal.Decimal
	price     decimal.Decimal
}

type instrumentState struct {
	mu           sync.Mutex
	symbol       string
	limits       InstrumentLimits
	position     core.Position
	committed    decimal.Decimal
	reserved     decimal.Decimal
	pendingBuy   decimal.Decimal
	pendingSell  decimal.Decimal
	reservations map[uint64]*reservation
	rate         *rateWindow
}

// Manager is the risk gate. Lock order is always instrument then portfolio.
type Manager struct {
	limits Limits
	logger core.ILogger
	now    func() time.Time

	instMu      sync.RWMutex
	instruments map[string]*instrumentState
	seqIndex    sync.Map // order seq -> instrument symbol

	// portfolio lock
	mu             sync.Mutex
	committedTotal decimal.Decimal
	reservedTotal  decimal.Decimal
	realizedTotal  decimal.Decimal
	globalRate     *rateWindow
	breaker        *CircuitBreaker
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces time.Now, used by tests to drive cooldowns and windows
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(limits Limits, logger core.ILogger, opts ...Option) *Manager {
	m := &Manager{
		limits:      limits,
		logger:      logger.WithField("component", "risk_manager"),
		now:         time.Now,
		instruments: make(map[string]*instrumentState),
		breaker:     NewCircuitBreaker(limits.CircuitBreaker),
	}
	if limits.RateLimit.Scope == RateScopeGlobal {
		m.globalRate = newRateWindow(limits.RateLimit.MaxOrders, limits.RateLimit.Window)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) instrument(symbol string) *instrumentState {
	m.instMu.RLock()
	ist, ok := m.instruments[symbol]
	m.instMu.RUnlock()
	if ok {
		return ist
	}

	m.instMu.Lock()
	defer m.instMu.Unlock()
	if ist, ok = m.instruments[symbol]; ok {
		return ist
	}
	ist = &instrumentState{
		symbol:       symbol,
		limits:       m.limits.forInstrument(symbol),
		position:     core.Position{Instrument: symbol},
		reservations: make(map[uint64]*reservation),
	}
	if m.limits.RateLimit.Scope == RateScopeInstrument {
		ist.rate = newRateWindow(m.limits.RateLimit.MaxOrders, m.limits.RateLimit.Window)
	}
	m.instruments[symbol] = ist
	return ist
}

func validateIntent(intent core.OrderIntent) bool {
	if intent.Instrument == "" || !intent.Quantity.IsPositive() {
		return false
	}
	if intent.Side != core.SideBuy && intent.Side != core.SideSell {
		return false
	}
	switch intent.Type {
	case core.OrderTypeMarket:
		return true
	case core.OrderTypeLimit:
		return intent.LimitPrice.Valid && intent.LimitPrice.Decimal.IsPositive()
	case core.OrderTypeStop:
		return intent.StopPrice.Valid && intent.StopPrice.Decimal.IsPositive()
	default:
		return false
	}
}

// referencePrice is the price reservations and exposure are valued at
func referencePrice(intent core.OrderIntent, ictx core.InstrumentContext) decimal.Decimal {
	if intent.LimitPrice.Valid && intent.LimitPrice.Decimal.IsPositive() {
		return intent.LimitPrice.Decimal
	}
	if intent.StopPrice.Valid && intent.StopPrice.Decimal.IsPositive() {
		return intent.StopPrice.Decimal
	}
	return ictx.MarkPrice()
}

func reject(reason core.RejectReason) core.Decision {
	return core.Decision{Kind: core.DecisionReject, Reason: reason}
}

// Evaluate runs the pre-trade checks for intent and, when it is admitted,
// reserves the admitted quantity under seq. The first failing check wins.
func (m *Manager) Evaluate(intent core.OrderIntent, ictx core.InstrumentContext, seq uint64) core.Decision {
	decision := m.evaluate(intent, ictx, seq)

	attrs := []attribute.KeyValue{attribute.String("decision", decision.Kind.String())}
	if decision.Kind == core.DecisionReject {
		attrs = append(attrs, attribute.String("reason", decision.Reason.String()))
		m.logger.Debug("Intent rejected",
			"seq", seq,
			"instrument", intent.Instrument,
			"side", intent.Side.String(),
			"qty", intent.Quantity.String(),
			"reason", decision.Reason.String())
	}
	telemetry.GetGlobalMetrics().RiskDecisions.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	return decision
}

func (m *Manager) evaluate(intent core.OrderIntent, ictx core.InstrumentContext, seq uint64) core.Decision {
	if !validateIntent(intent) {
		return m.rejectEarly(core.RejectInvalidIntent)
	}
	price := referencePrice(intent, ictx)
	if !price.IsPositive() {
		return m.rejectEarly(core.RejectNoReferencePrice)
	}

	ist := m.instrument(intent.Instrument)
	ist.mu.Lock()
	defer ist.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if _, dup := ist.reservations[seq]; dup {
		return m.rejectLocked(now, core.RejectInvalidIntent)
	}

	// 1. circuit breaker
	if !m.breaker.Allow(now) {
		return reject(core.RejectCircuitOpen)
	}

	// 2. order rate
	window := ist.rate
	if m.globalRate != nil {
		window = m.globalRate
	}
	if !window.allow(now) {
		return m.rejectLocked(now, core.RejectRateLimited)
	}

	// 3. max order size
	if m.limits.MaxOrderQty.IsPositive() && intent.Quantity.GreaterThan(m.limits.MaxOrderQty) {
		return m.rejectLocked(now, core.RejectOrderSizeLimit)
	}

	qty := intent.Quantity
	step := ist.limits.QtyStep

	// 4. position limit against the worst-case projection
	if limit := ist.limits.MaxPosition; limit.IsPositive() {
		var headroom decimal.Decimal
		if intent.Side == core.SideBuy {
			headroom = limit.Sub(ist.position.Quantity.Add(ist.pendingBuy))
		} else {
			headroom = limit.Add(ist.position.Quantity.Sub(ist.pendingSell))
		}
		if !headroom.IsPositive() {
			return m.rejectLocked(now, core.RejectPositionLimit)
		}
		if qty.GreaterThan(headroom) {
			qty = tradingutils.RoundDownToStep(headroom, step)
			if !qty.IsPositive() {
				return m.rejectLocked(now, core.RejectPositionLimit)
			}
		}
	}

	// 5. portfolio exposure; the part that reduces the position adds none
	if maxExp := m.limits.MaxPortfolioExposure; maxExp.IsPositive() {
		reducing := reducingQty(ist, intent.Side, qty)
		adding := qty.Sub(reducing)
		current := m.committedTotal.Add(m.reservedTotal)
		if adding.IsPositive() && current.Add(adding.Mul(price)).GreaterThan(maxExp) {
			room := maxExp.Sub(current)
			fit := decimal.Zero
			if room.IsPositive() {
				fit, _ = room.QuoRem(price, clipPrecision)
				fit = tradingutils.RoundDownToStep(fit, step)
			}
			qty = reducing.Add(tradingutils.MinDecimal(adding, fit))
			if !qty.IsPositive() {
				return m.rejectLocked(now, core.RejectExposureLimit)
			}
		}
	}

	// 6. admit and reserve
	notional := qty.Mul(price)
	ist.reservations[seq] = &reservation{side: intent.Side, remaining: qty, price: price}
	if intent.Side == core.SideBuy {
		ist.pendingBuy = ist.pendingBuy.Add(qty)
	} else {
		ist.pendingSell = ist.pendingSell.Add(qty)
	}
	ist.reserved = ist.reserved.Add(notional)
	m.reservedTotal = m.reservedTotal.Add(notional)
	m.seqIndex.Store(seq, intent.Instrument)
	window.record(now)
	m.breaker.RecordAdmission()
	m.publishLocked(ist)

	kind := core.DecisionApprove
	if qty.LessThan(intent.Quantity) {
		kind = core.DecisionClip
	}
	return core.Decision{Kind: kind, Quantity: qty, ReservePrice: price}
}

// reducingQty is how much of qty closes the open position, net of pending
// orders on the same side that already close it
func reducingQty(ist *instrumentState, side core.Side, qty decimal.Decimal) decimal.Decimal {
	var open decimal.Decimal
	if side == core.SideSell {
		open = ist.position.Quantity.Sub(ist.pendingSell)
	} else {
		open = ist.position.Quantity.Neg().Sub(ist.pendingBuy)
	}
	if !open.IsPositive() {
		return decimal.Zero
	}
	return tradingutils.MinDecimal(qty, open)
}

// rejectEarly handles rejections that need no instrument state
func (m *Manager) rejectEarly(reason core.RejectReason) core.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejectLocked(m.now(), reason)
}

// rejectLocked counts a rejection towards the breaker streak
func (m *Manager) rejectLocked(now time.Time, reason core.RejectReason) core.Decision {
	m.recordAdverseLocked(now, reason.String())
	return reject(reason)
}

func (m *Manager) recordAdverseLocked(now time.Time, reason string) {
	m.watchTrip(func() { m.breaker.RecordRejection(now, reason) })
}

func (m *Manager) watchTrip(record func()) {
	before := m.breaker.State()
	record()
	if before != core.BreakerOpen && m.breaker.State() == core.BreakerOpen {
		status := m.breaker.Status()
		m.logger.Warn("Circuit breaker opened",
			"reason", status.Reason,
			"rejections", status.ConsecutiveRejections,
			"failures", status.ConsecutiveFailures)
	}
}

func (m *Manager) lockReservation(seq uint64) (*instrumentState, bool) {
	v, ok := m.seqIndex.Load(seq)
	if !ok {
		return nil, false
	}
	return m.instrument(v.(string)), true
}

// OnFill consumes qty of the reservation held under seq and applies the fill
// to the position. It returns false when no reservation exists.
func (m *Manager) OnFill(seq uint64, qty, price decimal.Decimal) bool {
	ist, ok := m.lockReservation(seq)
	if !ok {
		return false
	}
	ist.mu.Lock()
	defer ist.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := ist.reservations[seq]
	if !ok {
		return false
	}

	consumed := tradingutils.MinDecimal(qty, res.remaining)
	res.remaining = res.remaining.Sub(consumed)
	m.unreserveLocked(ist, res.side, consumed, res.price)
	m.applyFillLocked(ist, res.side, qty, price)
	m.publishLocked(ist)
	return true
}

// Release drops whatever is left of the reservation held under seq. A second
// call for the same seq is a no-op returning false.
func (m *Manager) Release(seq uint64) bool {
	v, ok := m.seqIndex.LoadAndDelete(seq)
	if !ok {
		return false
	}
	ist := m.instrument(v.(string))
	ist.mu.Lock()
	defer ist.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := ist.reservations[seq]
	if !ok {
		return false
	}
	delete(ist.reservations, seq)
	m.unreserveLocked(ist, res.side, res.remaining, res.price)
	m.publishLocked(ist)
	return true
}

// ApplyUnreservedFill books a fill that has no reservation behind it, such
// as a late fill for an order that already timed out
func (m *Manager) ApplyUnreservedFill(instrument string, side core.Side, qty, price decimal.Decimal) {
	ist := m.instrument(instrument)
	ist.mu.Lock()
	defer ist.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyFillLocked(ist, side, qty, price)
	m.publishLocked(ist)
}

// RecordExecutionOutcome feeds execution-side results to the breaker.
// Adverse outcomes are exchange rejections, transport failures and timeouts.
func (m *Manager) RecordExecutionOutcome(adverse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if adverse {
		now := m.now()
		m.watchTrip(func() { m.breaker.RecordFailure(now, "execution") })
		return
	}
	m.breaker.RecordSuccess()
}

func (m *Manager) unreserveLocked(ist *instrumentState, side core.Side, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	if side == core.SideBuy {
		ist.pendingBuy = ist.pendingBuy.Sub(qty)
	} else {
		ist.pendingSell = ist.pendingSell.Sub(qty)
	}
	notional := qty.Mul(price)
	ist.reserved = ist.reserved.Sub(notional)
	m.reservedTotal = m.reservedTotal.Sub(notional)
}

// applyFillLocked updates the position with a signed fill, realizing PnL on
// the reducing part and re-basing the average on a flip
func (m *Manager) applyFillLocked(ist *instrumentState, side core.Side, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	pos := &ist.position
	signed := qty.Mul(side.Sign())
	realized := decimal.Zero

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		pos.AvgPrice = tradingutils.WeightedAverage(pos.Quantity, pos.AvgPrice, qty, price)
		pos.Quantity = pos.Quantity.Add(signed)
	default:
		closing := tradingutils.MinDecimal(qty, pos.Quantity.Abs())
		direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
		realized = price.Sub(pos.AvgPrice).Mul(closing).Mul(direction)
		pos.Quantity = pos.Quantity.Add(signed)
		switch {
		case pos.Quantity.IsZero():
			pos.AvgPrice = decimal.Zero
		case pos.Quantity.Sign() == signed.Sign():
			pos.AvgPrice = price
		}
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	committed := tradingutils.Notional(pos.Quantity, pos.AvgPrice)
	m.committedTotal = m.committedTotal.Add(committed.Sub(ist.committed))
	ist.committed = committed

	if !realized.IsZero() {
		m.realizedTotal = m.realizedTotal.Add(realized)
		before := m.breaker.State()
		m.breaker.RecordPnL(m.realizedTotal, m.now())
		if before != core.BreakerOpen && m.breaker.State() == core.BreakerOpen {
			m.logger.Warn("Circuit breaker opened",
				"reason", m.breaker.Status().Reason,
				"realized_pnl", m.realizedTotal.String())
		}
	}
}

func (m *Manager) publishLocked(ist *instrumentState) {
	metrics := telemetry.GetGlobalMetrics()
	metrics.SetPositionSize(ist.symbol, ist.position.Quantity.InexactFloat64())
	metrics.SetExposure(ist.symbol, ist.committed.Add(ist.reserved).InexactFloat64())
	metrics.SetExposure("portfolio", m.committedTotal.Add(m.reservedTotal).InexactFloat64())
}

// Position returns a copy of the confirmed position for instrument
func (m *Manager) Position(instrument string) core.Position {
	ist := m.instrument(instrument)
	ist.mu.Lock()
	defer ist.mu.Unlock()
	return ist.position
}

// BreakerStatus returns the breaker state as the next evaluation would see
// it, without advancing it
func (m *Manager) BreakerStatus() core.CircuitBreakerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker.StatusAt(m.now())
}

// TripBreaker opens the breaker by operator request
func (m *Manager) TripBreaker(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker.Open(reason, m.now())
	m.logger.Warn("Circuit breaker opened manually", "reason", reason)
}

// ResetBreaker closes the breaker and clears the streak
func (m *Manager) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker.Reset()
	m.logger.Info("Circuit breaker reset")
}

// Exposure is committed plus reserved notional
type Exposure struct {
	Committed decimal.Decimal
	Reserved  decimal.Decimal
}

func (e Exposure) Total() decimal.Decimal {
	return e.Committed.Add(e.Reserved)
}

// InstrumentSnapshot is the risk view of one instrument
type InstrumentSnapshot struct {
	Position    core.Position
	Exposure    Exposure
	PendingBuy  decimal.Decimal
	PendingSell decimal.Decimal
	LiveOrders  int
}

// Snapshot is a consistent copy of the manager's state
type Snapshot struct {
	Instruments map[string]InstrumentSnapshot
	Portfolio   Exposure
	RealizedPnL decimal.Decimal
	Breaker     core.CircuitBreakerStatus
}

// lockAll takes every instrument lock in symbol order, then the portfolio lock
func (m *Manager) lockAll() (unlock func(), states []*instrumentState) {
	m.instMu.RLock()
	states = make([]*instrumentState, 0, len(m.instruments))
	for _, ist := range m.instruments {
		states = append(states, ist)
	}
	m.instMu.RUnlock()
	sort.Slice(states, func(i, j int) bool { return states[i].symbol < states[j].symbol })

	for _, ist := range states {
		ist.mu.Lock()
	}
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}, states
}

// Snapshot returns the incrementally maintained state
func (m *Manager) Snapshot() Snapshot {
	unlock, states := m.lockAll()
	defer unlock()

	snap := Snapshot{
		Instruments: make(map[string]InstrumentSnapshot, len(states)),
		Portfolio:   Exposure{Committed: m.committedTotal, Reserved: m.reservedTotal},
		RealizedPnL: m.realizedTotal,
		Breaker:     m.breaker.StatusAt(m.now()),
	}
	for _, ist := range states {
		snap.Instruments[ist.symbol] = InstrumentSnapshot{
			Position:    ist.position,
			Exposure:    Exposure{Committed: ist.committed, Reserved: ist.reserved},
			PendingBuy:  ist.pendingBuy,
			PendingSell: ist.pendingSell,
			LiveOrders:  len(ist.reservations),
		}
	}
	return snap
}

// RecomputeExposure derives portfolio exposure from positions and live
// reservations, ignoring the running totals
func (m *Manager) RecomputeExposure() Exposure {
	unlock, states := m.lockAll()
	defer unlock()

	var out Exposure
	for _, ist := range states {
		out.Committed = out.Committed.Add(tradingutils.Notional(ist.position.Quantity, ist.position.AvgPrice))
		for _, res := range ist.reservations {
			out.Reserved = out.Reserved.Add(res.remaining.Mul(res.price))
		}
	}
	return out
}

// RateWindowUsage reports admissions currently counted in the window that
// applies to instrument
func (m *Manager) RateWindowUsage(instrument string) int {
	ist := m.instrument(instrument)
	ist.mu.Lock()
	defer ist.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalRate != nil {
		return m.globalRate.inFlight(m.now())
	}
	return ist.rate.inFlight(m.now())
}
