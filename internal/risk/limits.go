package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentLimits overrides the portfolio defaults for one instrument
type InstrumentLimits struct {
	MaxPosition decimal.Decimal
	QtyStep     decimal.Decimal
}

// RateLimit bounds admissions per rolling window
type RateLimit struct {
	MaxOrders int
	Window    time.Duration
	Scope     RateScope
}

// Limits are the static risk limits. A zero limit disables its check.
type Limits struct {
	MaxPosition          decimal.Decimal
	QtyStep              decimal.Decimal
	MaxPortfolioExposure decimal.Decimal
	MaxOrderQty          decimal.Decimal
	RateLimit            RateLimit
	CircuitBreaker       CircuitConfig
	Instruments          map[string]InstrumentLimits
}

func (l Limits) forInstrument(symbol string) InstrumentLimits {
	out := InstrumentLimits{MaxPosition: l.MaxPosition, QtyStep: l.QtyStep}
	if o, ok := l.Instruments[symbol]; ok {
		if !o.MaxPosition.IsZero() {
			out.MaxPosition = o.MaxPosition
		}
		if !o.QtyStep.IsZero() {
			out.QtyStep = o.QtyStep
		}
	}
	return out
}
