package backtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"trading_engine/internal/core"
	"trading_engine/internal/engine"
	"trading_engine/internal/risk"
	apperrors "trading_engine/pkg/errors"
)

// replayClock follows event time and never moves backwards
type replayClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *replayClock) advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}

// Result summarizes a replay
type Result struct {
	Events  int
	Fills   uint64
	Working int
	Engine  engine.Stats
}

// BacktestRunner owns an engine in manual mode, its risk manager and a
// simulated venue, all on the replay clock
type BacktestRunner struct {
	engine *engine.Engine
	risk   *risk.Manager
	venue  *SimulatedVenue
	clock  *replayClock
}

func NewBacktestRunner(cfg engine.Config, strategy core.IStrategy, limits risk.Limits, sink core.IStatisticsSink, logger core.ILogger) (*BacktestRunner, error) {
	clock := &replayClock{}
	rm := risk.NewManager(limits, logger, risk.WithClock(clock.Now))
	venue := NewSimulatedVenue(clock.Now)
	eng, err := engine.New(cfg, strategy, rm, venue, sink, logger, engine.WithClock(clock.Now))
	if err != nil {
		return nil, err
	}
	return &BacktestRunner{engine: eng, risk: rm, venue: venue, clock: clock}, nil
}

func (r *BacktestRunner) Engine() *engine.Engine { return r.engine }
func (r *BacktestRunner) Risk() *risk.Manager    { return r.risk }
func (r *BacktestRunner) Venue() *SimulatedVenue { return r.venue }

// Run replays events in order. Each event first moves the venue, so orders
// resting from earlier events fill before the strategy sees it, then is
// processed to completion together with every report it caused.
func (r *BacktestRunner) Run(ctx context.Context, events []core.MarketEvent) (Result, error) {
	res := Result{}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return r.result(res), err
		}
		at := ev.ReceivedAt
		if at.IsZero() {
			at = ev.ExchangeTime
		}
		r.clock.advance(at)

		r.venue.OnMarket(ev)
		if err := r.engine.SubmitEvent(ev); err != nil {
			if errors.Is(err, apperrors.ErrInvalidEvent) {
				continue
			}
			return r.result(res), err
		}
		if _, err := r.engine.Drain(); err != nil {
			return r.result(res), err
		}
		if err := r.engine.SweepTimeouts(r.clock.Now()); err != nil {
			return r.result(res), err
		}
		if _, err := r.engine.Drain(); err != nil {
			return r.result(res), err
		}
		res.Events++
	}
	return r.result(res), nil
}

func (r *BacktestRunner) result(res Result) Result {
	res.Fills = r.venue.Fills()
	res.Working = r.venue.Working()
	res.Engine = r.engine.Stats()
	return res
}
