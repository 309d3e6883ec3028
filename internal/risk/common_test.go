package risk

import (
	"sync"
	"time"

	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limitIntent(instrument string, side core.Side, qty, price string) core.OrderIntent {
	return core.OrderIntent{
		Instrument:  instrument,
		Side:        side,
		Type:        core.OrderTypeLimit,
		Quantity:    dec(qty),
		LimitPrice:  decimal.NewNullDecimal(dec(price)),
		TimeInForce: core.TimeInForceGTC,
	}
}

func marketIntent(instrument string, side core.Side, qty string) core.OrderIntent {
	return core.OrderIntent{
		Instrument:  instrument,
		Side:        side,
		Type:        core.OrderTypeMarket,
		Quantity:    dec(qty),
		TimeInForce: core.TimeInForceIOC,
	}
}

// fillPosition admits, fully fills and releases an order so the manager
// ends up holding qty at price
func fillPosition(m *Manager, seq uint64, instrument string, side core.Side, qty, price string) core.Decision {
	d := m.Evaluate(limitIntent(instrument, side, qty, price), core.InstrumentContext{Instrument: instrument}, seq)
	if d.Admitted() {
		m.OnFill(seq, d.Quantity, dec(price))
		m.Release(seq)
	}
	return d
}
