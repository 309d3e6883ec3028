package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order
type Side int8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() decimal.Decimal {
	switch s {
	case SideBuy:
		return decimal.NewFromInt(1)
	case SideSell:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// Opposite returns the other side of the book
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

type OrderType int8

const (
	OrderTypeMarket OrderType = iota + 1
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

type TimeInForce int8

const (
	TimeInForceGTC TimeInForce = iota + 1
	TimeInForceIOC
	TimeInForceFOK
	TimeInForceDay
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	case TimeInForceDay:
		return "DAY"
	default:
		return "UNKNOWN"
	}
}

// EventKind discriminates the MarketEvent payload
type EventKind int8

const (
	EventKindTrade EventKind = iota + 1
	EventKindL1Update
	EventKindL2Update
	EventKindCandle
)

func (k EventKind) String() string {
	switch k {
	case EventKindTrade:
		return "trade"
	case EventKindL1Update:
		return "l1"
	case EventKindL2Update:
		return "l2"
	case EventKindCandle:
		return "candle"
	default:
		return "unknown"
	}
}

// Trade is a public trade print
type Trade struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  Side // aggressor
}

// L1Update is a top-of-book update
type L1Update struct {
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
}

// PriceLevel is one aggregated book level
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// L2Update carries ordered book levels, best first, and the book sequence
type L2Update struct {
	Bids    []PriceLevel
	Asks    []PriceLevel
	BookSeq uint64
}

// Candle is an OHLCV bar for [Start, End)
type Candle struct {
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
	Start  time.Time
	End    time.Time
}

// MarketEvent is a normalized market-data event. Exactly one payload
// pointer is set, matching Kind.
type MarketEvent struct {
	Kind         EventKind
	Instrument   string
	ExchangeTime time.Time
	ReceivedAt   time.Time

	Trade  *Trade
	L1     *L1Update
	L2     *L2Update
	Candle *Candle
}

func NewTradeEvent(instrument string, exchangeTime, receivedAt time.Time, t Trade) MarketEvent {
	return MarketEvent{Kind: EventKindTrade, Instrument: instrument, ExchangeTime: exchangeTime, ReceivedAt: receivedAt, Trade: &t}
}

func NewL1Event(instrument string, exchangeTime, receivedAt time.Time, l1 L1Update) MarketEvent {
	return MarketEvent{Kind: EventKindL1Update, Instrument: instrument, ExchangeTime: exchangeTime, ReceivedAt: receivedAt, L1: &l1}
}

func NewL2Event(instrument string, exchangeTime, receivedAt time.Time, l2 L2Update) MarketEvent {
	return MarketEvent{Kind: EventKindL2Update, Instrument: instrument, ExchangeTime: exchangeTime, ReceivedAt: receivedAt, L2: &l2}
}

func NewCandleEvent(instrument string, exchangeTime, receivedAt time.Time, c Candle) MarketEvent {
	return MarketEvent{Kind: EventKindCandle, Instrument: instrument, ExchangeTime: exchangeTime, ReceivedAt: receivedAt, Candle: &c}
}

// Validate checks that the payload matches the kind
func (e MarketEvent) Validate() error {
	if e.Instrument == "" {
		return fmt.Errorf("missing instrument")
	}
	var ok bool
	switch e.Kind {
	case EventKindTrade:
		ok = e.Trade != nil
	case EventKindL1Update:
		ok = e.L1 != nil
	case EventKindL2Update:
		ok = e.L2 != nil
	case EventKindCandle:
		ok = e.Candle != nil
	default:
		return fmt.Errorf("unknown event kind %d", e.Kind)
	}
	if !ok {
		return fmt.Errorf("missing %s payload", e.Kind)
	}
	return nil
}

// OrderIntent is a strategy's proposed, not yet risk-checked order
type OrderIntent struct {
	Instrument    string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.NullDecimal
	StopPrice     decimal.NullDecimal
	TimeInForce   TimeInForce
	CorrelationID string
}

// OrderState is the engine-side lifecycle state of an order
type OrderState int8

const (
	OrderStateCreated OrderState = iota + 1
	OrderStateRiskApproved
	OrderStateSubmitted
	OrderStateAcked
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateCancelled
	OrderStateRejected
	OrderStateExpired
)

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "CREATED"
	case OrderStateRiskApproved:
		return "RISK_APPROVED"
	case OrderStateSubmitted:
		return "SUBMITTED"
	case OrderStateAcked:
		return "ACKED"
	case OrderStatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStateFilled:
		return "FILLED"
	case OrderStateCancelled:
		return "CANCELLED"
	case OrderStateRejected:
		return "REJECTED"
	case OrderStateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are allowed
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// RejectReason classifies why an order ended up Rejected
type RejectReason int8

const (
	RejectNone RejectReason = iota
	RejectInvalidIntent
	RejectNoReferencePrice
	RejectCircuitOpen
	RejectRateLimited
	RejectOrderSizeLimit
	RejectPositionLimit
	RejectExposureLimit
	RejectExchange
	RejectTransport
	RejectTimeout
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectInvalidIntent:
		return "invalid_intent"
	case RejectNoReferencePrice:
		return "no_reference_price"
	case RejectCircuitOpen:
		return "circuit_open"
	case RejectRateLimited:
		return "rate_limited"
	case RejectOrderSizeLimit:
		return "order_size_limit"
	case RejectPositionLimit:
		return "position_limit"
	case RejectExposureLimit:
		return "exposure_limit"
	case RejectExchange:
		return "exchange"
	case RejectTransport:
		return "transport"
	case RejectTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// IsRiskReason reports whether the reason originates from the risk gate
func (r RejectReason) IsRiskReason() bool {
	return r >= RejectInvalidIntent && r <= RejectExposureLimit
}

// Order is an admitted intent with engine identity
type Order struct {
	Seq            uint64
	Intent         OrderIntent
	Quantity       decimal.Decimal // admitted, possibly clipped
	ReservePrice   decimal.Decimal
	FilledQty      decimal.Decimal
	AvgFillPrice   decimal.Decimal
	State          OrderState
	RejectReason   RejectReason
	CreatedAt      time.Time
	DecidedAt      time.Time
	SubmittedAt    time.Time
	LastReportAt   time.Time
	TerminalAt     time.Time
	ReportsApplied int
}

func (o Order) Instrument() string { return o.Intent.Instrument }

func (o Order) Side() Side { return o.Intent.Side }

// RemainingQty is the admitted quantity not yet filled
func (o Order) RemainingQty() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// DecisionKind is the risk gate verdict
type DecisionKind int8

const (
	DecisionApprove DecisionKind = iota + 1
	DecisionClip
	DecisionReject
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionApprove:
		return "approve"
	case DecisionClip:
		return "clip"
	case DecisionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a risk evaluation. Quantity and ReservePrice
// are set for Approve and Clip.
type Decision struct {
	Kind         DecisionKind
	Quantity     decimal.Decimal
	ReservePrice decimal.Decimal
	Reason       RejectReason
}

func (d Decision) Admitted() bool {
	return d.Kind == DecisionApprove || d.Kind == DecisionClip
}

func (d Decision) String() string {
	if d.Kind == DecisionReject {
		return fmt.Sprintf("reject(%s)", d.Reason)
	}
	return fmt.Sprintf("%s(qty=%s)", d.Kind, d.Quantity)
}

// ReportOutcome is the lifecycle event carried by an ExecutionReport
type ReportOutcome int8

const (
	OutcomeAcked ReportOutcome = iota + 1
	OutcomePartiallyFilled
	OutcomeFilled
	OutcomeRejected
	OutcomeCancelled
	OutcomeExpired
)

func (o ReportOutcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomePartiallyFilled:
		return "partially_filled"
	case OutcomeFilled:
		return "filled"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExecutionReport is an asynchronous lifecycle callback from the execution
// client. FilledQty is the quantity filled by this report only.
type ExecutionReport struct {
	OrderSeq  uint64
	Outcome   ReportOutcome
	FilledQty decimal.Decimal
	FillPrice decimal.Decimal
	Reason    string
	Timestamp time.Time
}

// InstrumentContext is the engine view of an instrument handed to strategies
type InstrumentContext struct {
	Instrument    string
	LastPrice     decimal.Decimal
	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	BookSeq       uint64
	Position      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	EventsSeen    uint64
	LastEventAt   time.Time
}

// MarkPrice returns the mid when both sides are known, else the last trade
func (c InstrumentContext) MarkPrice() decimal.Decimal {
	if c.BestBid.IsPositive() && c.BestAsk.IsPositive() {
		return c.BestBid.Add(c.BestAsk).Div(decimal.NewFromInt(2))
	}
	return c.LastPrice
}

// Stage identifies a pipeline step for latency measurements
type Stage int8

const (
	StageIngest Stage = iota + 1
	StageStrategy
	StageRisk
	StageSubmit
	StageReport
)

func (s Stage) String() string {
	switch s {
	case StageIngest:
		return "ingest"
	case StageStrategy:
		return "strategy"
	case StageRisk:
		return "risk"
	case StageSubmit:
		return "submit"
	case StageReport:
		return "report"
	default:
		return "unknown"
	}
}

// Measurement is a per-stage latency sample
type Measurement struct {
	Stage      Stage
	Instrument string
	Latency    time.Duration
	Timestamp  time.Time
	Failed     bool
}

// OrderOutcome is emitted once per order when it reaches a terminal state
type OrderOutcome struct {
	OrderSeq        uint64
	Instrument      string
	Side            Side
	State           OrderState
	Reason          RejectReason
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	DecisionLatency time.Duration
	Timestamp       time.Time
}

// Position is the confirmed holding of one instrument
type Position struct {
	Instrument  string
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
}

// BreakerState is the circuit breaker phase
type BreakerState int8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerStatus is a point-in-time view of the breaker
type CircuitBreakerStatus struct {
	State                 BreakerState
	Reason                string
	OpenedAt              time.Time
	ConsecutiveRejections int
	ConsecutiveFailures   int
	RealizedPnL           decimal.Decimal
	PeakPnL               decimal.Decimal
}
