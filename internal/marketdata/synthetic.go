// Package marketdata produces market events for the engine binary
package marketdata

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// Publisher accepts events; engine backpressure is reported as
// apperrors.ErrEngineBackpressure
type Publisher func(ev core.MarketEvent) error

// SyntheticConfig shapes the random walk
type SyntheticConfig struct {
	Instruments []string
	Interval    time.Duration
	StartPrice  decimal.Decimal
	// Volatility is the per-tick standard deviation of the mid, in basis points
	Volatility float64
	// MaxSpreadBps bounds the quoted spread; spreads are drawn uniformly
	MaxSpreadBps float64
	Seed         uint64
}

func DefaultSyntheticConfig(instruments []string) SyntheticConfig {
	return SyntheticConfig{
		Instruments:  instruments,
		Interval:     50 * time.Millisecond,
		StartPrice:   decimal.NewFromInt(100),
		Volatility:   2,
		MaxSpreadBps: 25,
		Seed:         1,
	}
}

// Synthetic emits, per instrument and tick, one L1 update followed by one
// trade at the touch. It is deterministic for a given seed.
type Synthetic struct {
	cfg     SyntheticConfig
	publish Publisher
	logger  core.ILogger
	rng     *rand.Rand
	mids    map[string]float64

	Published uint64
	Dropped   uint64
}

func NewSynthetic(cfg SyntheticConfig, publish Publisher, logger core.ILogger) *Synthetic {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if !cfg.StartPrice.IsPositive() {
		cfg.StartPrice = decimal.NewFromInt(100)
	}
	start := cfg.StartPrice.InexactFloat64()
	mids := make(map[string]float64, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		mids[inst] = start
	}
	return &Synthetic{
		cfg:     cfg,
		publish: publish,
		logger:  logger.WithField("component", "synthetic_feed"),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		mids:    mids,
	}
}

// Run ticks until ctx is done or the publisher fails with anything other
// than backpressure
func (s *Synthetic) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Synthetic feed started",
		"instruments", s.cfg.Instruments,
		"interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Synthetic feed stopped", "published", s.Published, "dropped", s.Dropped)
			return nil
		case now := <-ticker.C:
			if err := s.Tick(now); err != nil {
				return err
			}
		}
	}
}

// Tick publishes one round of events stamped at now
func (s *Synthetic) Tick(now time.Time) error {
	for _, inst := range s.cfg.Instruments {
		for _, ev := range s.next(inst, now) {
			err := s.publish(ev)
			switch {
			case err == nil:
				s.Published++
			case errors.Is(err, apperrors.ErrEngineBackpressure):
				s.Dropped++
			default:
				return err
			}
		}
	}
	return nil
}

func (s *Synthetic) next(inst string, now time.Time) []core.MarketEvent {
	mid := s.mids[inst] * (1 + s.rng.NormFloat64()*s.cfg.Volatility/10000)
	if mid <= 0 {
		mid = s.cfg.StartPrice.InexactFloat64()
	}
	s.mids[inst] = mid

	half := mid * s.rng.Float64() * s.cfg.MaxSpreadBps / 20000
	bid := decimal.NewFromFloat(mid - half).Round(4)
	ask := decimal.NewFromFloat(mid + half).Round(4)
	if !ask.GreaterThan(bid) {
		ask = bid.Add(decimal.New(1, -4))
	}
	size := decimal.NewFromFloat(0.1 + s.rng.Float64()).Round(3)

	side, price := core.SideBuy, ask
	if s.rng.IntN(2) == 0 {
		side, price = core.SideSell, bid
	}

	return []core.MarketEvent{
		core.NewL1Event(inst, now, now, core.L1Update{BidPrice: bid, BidSize: size, AskPrice: ask, AskSize: size}),
		core.NewTradeEvent(inst, now, now, core.Trade{Price: price, Size: size, Side: side}),
	}
}
