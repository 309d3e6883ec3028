package risk

import (
	"testing"
	"time"

	"trading_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_ConsecutiveRejections(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveRejections: 3})

	assert.True(t, cb.Allow(now))

	cb.RecordRejection(now, "position_limit")
	assert.Equal(t, core.BreakerClosed, cb.State())

	// an admission resets the streak
	cb.RecordAdmission()
	assert.Equal(t, 0, cb.Status().ConsecutiveRejections)

	cb.RecordRejection(now, "a")
	cb.RecordRejection(now, "b")
	cb.RecordRejection(now, "c")

	assert.Equal(t, core.BreakerOpen, cb.State())
	assert.False(t, cb.Allow(now))
	assert.Equal(t, "max consecutive rejections reached", cb.Status().Reason)
}

func TestCircuitBreaker_StreaksAreIndependent(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveRejections: 2})

	// admit then fail at the venue, twice
	cb.RecordAdmission()
	cb.RecordFailure(now, "transport")
	cb.RecordAdmission()
	assert.Equal(t, 1, cb.Status().ConsecutiveFailures, "admissions do not end the failure streak")
	cb.RecordFailure(now, "transport")
	assert.Equal(t, core.BreakerOpen, cb.State())
	assert.Equal(t, "max consecutive execution failures reached", cb.Status().Reason)

	cb.Reset()
	cb.RecordRejection(now, "rate_limited")
	cb.RecordSuccess()
	assert.Equal(t, 1, cb.Status().ConsecutiveRejections, "an ack does not end the rejection streak")
	cb.RecordAdmission()
	assert.Zero(t, cb.Status().ConsecutiveRejections)
}

func TestCircuitBreaker_StatusAtDoesNotAdvance(t *testing.T) {
	start := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveRejections: 1, CooldownPeriod: time.Minute})
	cb.RecordRejection(start, "x")

	assert.Equal(t, core.BreakerOpen, cb.StatusAt(start.Add(59*time.Second)).State)
	assert.Equal(t, core.BreakerHalfOpen, cb.StatusAt(start.Add(time.Minute)).State)
	assert.Equal(t, core.BreakerOpen, cb.State())
}

func TestCircuitBreaker_CooldownHalfOpen(t *testing.T) {
	start := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveRejections: 1, CooldownPeriod: time.Minute})

	cb.RecordRejection(start, "x")
	assert.False(t, cb.Allow(start.Add(30*time.Second)))

	assert.True(t, cb.Allow(start.Add(time.Minute)))
	assert.Equal(t, core.BreakerHalfOpen, cb.State())

	// failed probe re-opens with a fresh timestamp
	reopened := start.Add(time.Minute + time.Second)
	cb.RecordRejection(reopened, "y")
	assert.Equal(t, core.BreakerOpen, cb.State())
	assert.Equal(t, reopened, cb.Status().OpenedAt)

	assert.True(t, cb.Allow(reopened.Add(time.Minute)))
	cb.RecordAdmission()
	assert.Equal(t, core.BreakerClosed, cb.State())
	assert.Empty(t, cb.Status().Reason)
}

func TestCircuitBreaker_Drawdown(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{MaxDrawdown: decimal.NewFromInt(100)})

	cb.RecordPnL(decimal.NewFromInt(50), now)
	cb.RecordPnL(decimal.NewFromInt(-40), now)
	assert.Equal(t, core.BreakerClosed, cb.State(), "drawdown of 90 from peak is within limit")

	cb.RecordPnL(decimal.NewFromInt(-60), now)
	assert.Equal(t, core.BreakerOpen, cb.State())
	assert.True(t, cb.Status().PeakPnL.Equal(decimal.NewFromInt(50)))
}

func TestCircuitBreaker_ManualOpenAndReset(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveRejections: 1})

	cb.Open("operator", now)
	assert.False(t, cb.Allow(now.Add(time.Hour)), "no cooldown configured keeps it open")

	cb.Reset()
	assert.Equal(t, core.BreakerClosed, cb.State())
	assert.Equal(t, 0, cb.Status().ConsecutiveRejections)
}
