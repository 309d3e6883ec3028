package strategy

import (
	"fmt"

	"trading_engine/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeReversion leans against every public trade with an IOC market order
// on the opposite side of the aggressor
type TradeReversion struct {
	id       string
	quantity decimal.Decimal
}

func NewTradeReversion(id string, quantity decimal.Decimal) *TradeReversion {
	if id == "" {
		id = "trade_reversion"
	}
	return &TradeReversion{id: id, quantity: quantity}
}

func (s *TradeReversion) Decide(ev core.MarketEvent, _ core.InstrumentContext) ([]core.OrderIntent, error) {
	if ev.Kind != core.EventKindTrade {
		return nil, nil
	}
	side := ev.Trade.Side.Opposite()
	if side == core.SideUnknown {
		return nil, nil
	}
	return []core.OrderIntent{{
		Instrument:    ev.Instrument,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      s.quantity,
		TimeInForce:   core.TimeInForceIOC,
		CorrelationID: fmt.Sprintf("%s_trade_%s", s.id, uuid.NewString()),
	}}, nil
}
