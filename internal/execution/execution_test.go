package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading_engine/internal/core"
	"trading_engine/internal/engine"
	enginemock "trading_engine/internal/mock"
	"trading_engine/internal/risk"
	"trading_engine/internal/strategy"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingHandler struct {
	mu      sync.Mutex
	reports []core.ExecutionReport
	failOn  core.ReportOutcome
}

func (h *recordingHandler) OnExecutionReport(r core.ExecutionReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
	if r.Outcome == h.failOn {
		return apperrors.ErrUnknownOrder
	}
	return nil
}

func (h *recordingHandler) all() []core.ExecutionReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.ExecutionReport(nil), h.reports...)
}

func limitOrder(seq uint64, qty, price string) core.Order {
	return core.Order{
		Seq: seq,
		Intent: core.OrderIntent{
			Instrument: "BTCUSDT",
			Side:       core.SideBuy,
			Type:       core.OrderTypeLimit,
			Quantity:   d(qty),
			LimitPrice: decimal.NewNullDecimal(d(price)),
		},
		Quantity:     d(qty),
		ReservePrice: d(price),
		State:        core.OrderStateSubmitted,
	}
}

func TestPaperClient_AckThenSlicedFills(t *testing.T) {
	c := NewPaperClient(PaperConfig{FillSlices: 3}, nil, logging.NewNopLogger())
	defer c.Close()
	h := &recordingHandler{}
	c.BindReports(h)

	require.NoError(t, c.Submit(context.Background(), limitOrder(7, "1", "100")))
	require.Eventually(t, func() bool { return len(h.all()) == 4 }, time.Second, time.Millisecond)

	reports := h.all()
	assert.Equal(t, core.OutcomeAcked, reports[0].Outcome)
	assert.Equal(t, core.OutcomePartiallyFilled, reports[1].Outcome)
	assert.Equal(t, core.OutcomePartiallyFilled, reports[2].Outcome)
	assert.Equal(t, core.OutcomeFilled, reports[3].Outcome)

	total := decimal.Zero
	for _, r := range reports[1:] {
		assert.Equal(t, uint64(7), r.OrderSeq)
		assert.True(t, r.FillPrice.Equal(d("100")))
		total = total.Add(r.FilledQty)
	}
	assert.True(t, total.Equal(d("1")), total.String())
	assert.Equal(t, uint64(1), c.Submitted())
}

func TestPaperClient_MarketOrderPricing(t *testing.T) {
	prices := func(instrument string) (decimal.Decimal, bool) {
		if instrument == "BTCUSDT" {
			return d("50000"), true
		}
		return decimal.Zero, false
	}
	c := NewPaperClient(PaperConfig{}, prices, logging.NewNopLogger())
	defer c.Close()
	h := &recordingHandler{}
	c.BindReports(h)

	market := limitOrder(1, "0.1", "0")
	market.Intent.Type = core.OrderTypeMarket
	market.ReservePrice = decimal.Zero
	require.NoError(t, c.Submit(context.Background(), market))

	unpriced := market
	unpriced.Seq = 2
	unpriced.Intent.Instrument = "ETHUSDT"
	require.NoError(t, c.Submit(context.Background(), unpriced))

	require.Eventually(t, func() bool { return len(h.all()) == 4 }, time.Second, time.Millisecond)
	bySeq := map[uint64][]core.ExecutionReport{}
	for _, r := range h.all() {
		bySeq[r.OrderSeq] = append(bySeq[r.OrderSeq], r)
	}
	assert.True(t, bySeq[1][1].FillPrice.Equal(d("50000")))
	assert.Equal(t, core.OutcomeRejected, bySeq[2][1].Outcome)
}

func TestPaperClient_Throttles(t *testing.T) {
	c := NewPaperClient(PaperConfig{OrdersPerSecond: 1, Burst: 1}, nil, logging.NewNopLogger())
	defer c.Close()
	c.BindReports(&recordingHandler{})

	require.NoError(t, c.Submit(context.Background(), limitOrder(1, "1", "1")))
	err := c.Submit(context.Background(), limitOrder(2, "1", "1"))
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.Equal(t, uint64(1), c.Throttled())
}

func TestPaperClient_StopsOnRefusedReport(t *testing.T) {
	c := NewPaperClient(PaperConfig{}, nil, logging.NewNopLogger())
	h := &recordingHandler{failOn: core.OutcomeAcked}
	c.BindReports(h)

	require.NoError(t, c.Submit(context.Background(), limitOrder(1, "1", "1")))
	require.NoError(t, c.Close())
	require.Len(t, h.all(), 1, "no fills after the ack was refused")
}

func TestPaperClient_CloseAbandonsPending(t *testing.T) {
	c := NewPaperClient(PaperConfig{AckLatency: time.Hour}, nil, logging.NewNopLogger())
	h := &recordingHandler{}
	c.BindReports(h)

	require.NoError(t, c.Submit(context.Background(), limitOrder(1, "1", "1")))
	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on pending simulation")
	}
	assert.Empty(t, h.all())
	assert.ErrorIs(t, c.Submit(context.Background(), limitOrder(2, "1", "1")), apperrors.ErrNetwork)
}

func TestPaperClient_SubmitRacingClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		c := NewPaperClient(PaperConfig{}, nil, logging.NewNopLogger())
		c.BindReports(&recordingHandler{})

		var accepted atomic.Uint64
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					err := c.Submit(context.Background(), limitOrder(uint64(w*50+i+1), "1", "1"))
					if err != nil {
						assert.ErrorIs(t, err, apperrors.ErrNetwork)
						return
					}
					accepted.Add(1)
				}
			}(w)
		}
		require.NoError(t, c.Close())
		wg.Wait()

		assert.Equal(t, accepted.Load(), c.Submitted())
		assert.ErrorIs(t, c.Submit(context.Background(), limitOrder(999, "1", "1")), apperrors.ErrNetwork)
	}
}

func TestPaperClient_DrivesEngineToFilled(t *testing.T) {
	logger := logging.NewNopLogger()
	rm := risk.NewManager(risk.Limits{MaxPosition: d("1")}, logger)
	paper := NewPaperClient(PaperConfig{FillSlices: 2}, nil, logger)
	defer paper.Close()

	strat := strategy.NewTradeReversion("", d("0.25"))
	e, err := engine.New(engine.Config{Workers: 2, QueueCapacity: 64}, strat, rm, paper, nil, logger)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()

	now := time.Now()
	// sells into a trade print need a reference price, which the trade provides
	require.NoError(t, e.SubmitEvent(core.NewTradeEvent("BTCUSDT", now, now, core.Trade{Price: d("100"), Size: d("1"), Side: core.SideSell})))

	require.Eventually(t, func() bool {
		return rm.Position("BTCUSDT").Quantity.Equal(d("0.25")) && e.Stats().LiveOrders == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rm.Snapshot().Portfolio.Reserved.IsZero())
}

type flakyClient struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyClient) Submit(ctx context.Context, order core.Order) error {
	if f.calls.Add(1) <= f.failures {
		return f.err
	}
	return nil
}

func fastResilience() ResilientConfig {
	return ResilientConfig{
		Retry:   RetryConfig{MaxRetries: 3, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond},
		Breaker: BreakerConfig{FailureThreshold: 10, FailureWindow: time.Minute, Delay: time.Minute},
	}
}

func TestResilientClient_RetriesTransientFailures(t *testing.T) {
	inner := &flakyClient{failures: 2, err: apperrors.ErrNetwork}
	c := NewResilientClient(inner, fastResilience(), logging.NewNopLogger())

	require.NoError(t, c.Submit(context.Background(), limitOrder(1, "1", "1")))
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestResilientClient_DoesNotRetryRejections(t *testing.T) {
	inner := &flakyClient{failures: 5, err: apperrors.ErrOrderRejected}
	c := NewResilientClient(inner, fastResilience(), logging.NewNopLogger())

	err := c.Submit(context.Background(), limitOrder(1, "1", "1"))
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestResilientClient_ThrottlingFailsFast(t *testing.T) {
	inner := &flakyClient{failures: 100, err: apperrors.ErrRateLimitExceeded}
	cfg := fastResilience()
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, FailureWindow: time.Minute, Delay: time.Minute}
	c := NewResilientClient(inner, cfg, logging.NewNopLogger())

	for seq := uint64(1); seq <= 3; seq++ {
		err := c.Submit(context.Background(), limitOrder(seq, "1", "1"))
		assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	}
	assert.Equal(t, int32(3), inner.calls.Load(), "one attempt per submit")
	assert.False(t, c.BreakerOpen(), "throttling is not a transport failure")
}

func TestResilientClient_ReturnsLastFailureWhenExhausted(t *testing.T) {
	inner := &flakyClient{failures: 100, err: apperrors.ErrNetwork}
	c := NewResilientClient(inner, fastResilience(), logging.NewNopLogger())

	err := c.Submit(context.Background(), limitOrder(1, "1", "1"))
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, int32(4), inner.calls.Load())
}

func TestResilientClient_BreakerShortCircuits(t *testing.T) {
	inner := &flakyClient{failures: 100, err: errors.New("connection reset")}
	cfg := ResilientConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, FailureWindow: time.Minute, Delay: time.Minute},
	}
	c := NewResilientClient(inner, cfg, logging.NewNopLogger())

	assert.Error(t, c.Submit(context.Background(), limitOrder(1, "1", "1")))
	assert.Error(t, c.Submit(context.Background(), limitOrder(2, "1", "1")))
	require.True(t, c.BreakerOpen())
	assert.Error(t, c.CheckHealth())

	err := c.Submit(context.Background(), limitOrder(3, "1", "1"))
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, int32(2), inner.calls.Load(), "open breaker keeps the transport idle")
}

func TestResilientClient_ForwardsReportBinding(t *testing.T) {
	inner := enginemock.NewMockExecutionClient()
	c := NewResilientClient(inner, fastResilience(), logging.NewNopLogger())
	h := &recordingHandler{}
	c.BindReports(h)

	require.NoError(t, c.Submit(context.Background(), limitOrder(1, "1", "1")))
	require.NoError(t, inner.Report(core.ExecutionReport{OrderSeq: 1, Outcome: core.OutcomeAcked}))
	assert.Len(t, h.all(), 1)
	assert.NoError(t, c.CheckHealth())
}
