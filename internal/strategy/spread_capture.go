// Package strategy holds the sample strategies shipped with the engine and
// small adapters for composing them.
package strategy

import (
	"fmt"
	"sync"

	"trading_engine/internal/core"
	"trading_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SpreadCaptureConfig parametrizes SpreadCapture
type SpreadCaptureConfig struct {
	ID        string
	Threshold decimal.Decimal // minimum spread as a fraction of mid
	Quantity  decimal.Decimal
	Tick      decimal.Decimal // improvement inside the touch

	// Inventory skew. Zero SkewFactor quotes symmetrically.
	SkewFactor      decimal.Decimal
	TargetInventory decimal.Decimal

	// MaxLiveQuotes stops quoting an instrument while that many of its
	// quotes are working. Zero is unlimited.
	MaxLiveQuotes int
}

func DefaultSpreadCaptureConfig() SpreadCaptureConfig {
	return SpreadCaptureConfig{
		ID:        "spread_capture",
		Threshold: decimal.RequireFromString("0.001"),
		Quantity:  decimal.RequireFromString("0.01"),
		Tick:      decimal.RequireFromString("0.0001"),
	}
}

// SpreadCapture quotes both sides just inside the touch whenever the top of
// book spread is wider than Threshold times the mid
type SpreadCapture struct {
	cfg SpreadCaptureConfig

	mu   sync.Mutex
	live map[string]map[uint64]struct{} // instrument -> working order seqs
}

func NewSpreadCapture(cfg SpreadCaptureConfig) *SpreadCapture {
	if cfg.ID == "" {
		cfg.ID = "spread_capture"
	}
	return &SpreadCapture{cfg: cfg, live: make(map[string]map[uint64]struct{})}
}

// OnOrderUpdate tracks working quotes
func (s *SpreadCapture) OnOrderUpdate(o core.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, ok := s.live[o.Instrument()]
	if !ok {
		seqs = make(map[uint64]struct{})
		s.live[o.Instrument()] = seqs
	}
	if o.State.IsTerminal() {
		delete(seqs, o.Seq)
		return
	}
	seqs[o.Seq] = struct{}{}
}

// LiveQuotes is the number of working quotes on instrument
func (s *SpreadCapture) LiveQuotes(instrument string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live[instrument])
}

func (s *SpreadCapture) Decide(ev core.MarketEvent, ctx core.InstrumentContext) ([]core.OrderIntent, error) {
	var bid, ask decimal.Decimal
	switch ev.Kind {
	case core.EventKindL1Update:
		bid, ask = ev.L1.BidPrice, ev.L1.AskPrice
	case core.EventKindL2Update:
		if len(ev.L2.Bids) == 0 || len(ev.L2.Asks) == 0 {
			return nil, nil
		}
		bid, ask = ev.L2.Bids[0].Price, ev.L2.Asks[0].Price
	default:
		return nil, nil
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return nil, nil
	}
	if s.cfg.MaxLiveQuotes > 0 && s.LiveQuotes(ev.Instrument) >= s.cfg.MaxLiveQuotes {
		return nil, nil
	}
	if ask.LessThanOrEqual(bid) {
		return nil, fmt.Errorf("crossed book on %s: bid %s ask %s", ev.Instrument, bid, ask)
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if !ask.Sub(bid).GreaterThan(mid.Mul(s.cfg.Threshold)) {
		return nil, nil
	}

	bidPx := bid.Add(s.cfg.Tick)
	askPx := ask.Sub(s.cfg.Tick)
	if s.cfg.SkewFactor.IsPositive() {
		bidPx = tradingutils.CalculateSkewedPrice(bidPx, ctx.Position, s.cfg.TargetInventory, s.cfg.SkewFactor)
		askPx = tradingutils.CalculateSkewedPrice(askPx, ctx.Position, s.cfg.TargetInventory, s.cfg.SkewFactor)
	}
	if !bidPx.LessThan(askPx) {
		return nil, nil
	}

	return []core.OrderIntent{
		s.quote(ev.Instrument, core.SideBuy, bidPx, "bid"),
		s.quote(ev.Instrument, core.SideSell, askPx, "ask"),
	}, nil
}

func (s *SpreadCapture) quote(instrument string, side core.Side, price decimal.Decimal, leg string) core.OrderIntent {
	return core.OrderIntent{
		Instrument:    instrument,
		Side:          side,
		Type:          core.OrderTypeLimit,
		Quantity:      s.cfg.Quantity,
		LimitPrice:    decimal.NewNullDecimal(price),
		TimeInForce:   core.TimeInForceGTC,
		CorrelationID: fmt.Sprintf("%s_%s_%s", s.cfg.ID, leg, uuid.NewString()),
	}
}
