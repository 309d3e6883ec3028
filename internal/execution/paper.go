// Package execution provides execution clients: a paper client that
// simulates venue acks and fills, and a resilience wrapper for real
// transports.
package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// PaperConfig tunes the simulated venue
type PaperConfig struct {
	OrdersPerSecond float64 // zero disables throttling
	Burst           int
	AckLatency      time.Duration
	FillLatency     time.Duration // spread evenly across slices
	FillSlices      int
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		OrdersPerSecond: 25,
		Burst:           30,
		AckLatency:      time.Millisecond,
		FillLatency:     5 * time.Millisecond,
		FillSlices:      1,
	}
}

var errPaperClosed = fmt.Errorf("paper client closed: %w", apperrors.ErrNetwork)

// PriceSource supplies a fill price for orders without a reserve price
type PriceSource func(instrument string) (decimal.Decimal, bool)

// PaperClient acknowledges every accepted order and fills it completely at
// its reserve price, reporting through the bound handler. Reports for one
// order are delivered in lifecycle order.
type PaperClient struct {
	cfg     PaperConfig
	limiter *rate.Limiter
	prices  PriceSource
	logger  core.ILogger

	mu      sync.RWMutex
	handler core.IReportHandler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Uint64
	throttled atomic.Uint64
}

func NewPaperClient(cfg PaperConfig, prices PriceSource, logger core.ILogger) *PaperClient {
	if cfg.FillSlices <= 0 {
		cfg.FillSlices = 1
	}
	limit := rate.Inf
	if cfg.OrdersPerSecond > 0 {
		limit = rate.Limit(cfg.OrdersPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PaperClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		prices:  prices,
		logger:  logger.WithField("component", "paper_execution"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *PaperClient) BindReports(handler core.IReportHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Submit accepts an order without blocking. Throttled orders are refused
// synchronously.
func (c *PaperClient) Submit(ctx context.Context, order core.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return errPaperClosed
	}
	if !c.limiter.Allow() {
		c.throttled.Add(1)
		return fmt.Errorf("paper venue: %w", apperrors.ErrRateLimitExceeded)
	}

	price := order.ReservePrice
	if !price.IsPositive() && c.prices != nil {
		if p, ok := c.prices(order.Instrument()); ok {
			price = p
		}
	}

	// Add must not race Close's Wait
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errPaperClosed
	}
	c.submitted.Add(1)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.simulate(order, price)
	}()
	return nil
}

func (c *PaperClient) simulate(order core.Order, price decimal.Decimal) {
	if !c.sleep(c.cfg.AckLatency) {
		return
	}
	if !c.report(core.ExecutionReport{OrderSeq: order.Seq, Outcome: core.OutcomeAcked, Timestamp: time.Now()}) {
		return
	}

	if !price.IsPositive() {
		c.report(core.ExecutionReport{
			OrderSeq:  order.Seq,
			Outcome:   core.OutcomeRejected,
			Reason:    "no price to fill at",
			Timestamp: time.Now(),
		})
		return
	}

	slices := c.cfg.FillSlices
	n := decimal.NewFromInt(int64(slices))
	slice, _ := order.Quantity.QuoRem(n, 8)
	step := c.cfg.FillLatency / time.Duration(slices)

	filled := decimal.Zero
	for i := 1; i <= slices; i++ {
		if !c.sleep(step) {
			return
		}
		qty := slice
		outcome := core.OutcomePartiallyFilled
		if i == slices {
			qty = order.Quantity.Sub(filled)
			outcome = core.OutcomeFilled
		}
		if !qty.IsPositive() && outcome != core.OutcomeFilled {
			continue
		}
		filled = filled.Add(qty)
		if !c.report(core.ExecutionReport{
			OrderSeq:  order.Seq,
			Outcome:   outcome,
			FilledQty: qty,
			FillPrice: price,
			Timestamp: time.Now(),
		}) {
			return
		}
	}
}

func (c *PaperClient) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// report returns false when the rest of the order's lifecycle should be
// abandoned
func (c *PaperClient) report(r core.ExecutionReport) bool {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.logger.Warn("No report handler bound, dropping report", "seq", r.OrderSeq, "outcome", r.Outcome.String())
		return false
	}
	if err := h.OnExecutionReport(r); err != nil {
		c.logger.Debug("Report not accepted", "seq", r.OrderSeq, "outcome", r.Outcome.String(), "error", err)
		return false
	}
	return true
}

// Close stops pending simulations and waits for them
func (c *PaperClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Paper client closed",
		"submitted", c.submitted.Load(),
		"throttled", c.throttled.Load())
	return nil
}

// Submitted is the number of accepted orders
func (c *PaperClient) Submitted() uint64 {
	return c.submitted.Load()
}

// Throttled is the number of orders refused by the rate limiter
func (c *PaperClient) Throttled() uint64 {
	return c.throttled.Load()
}
