package risk

import (
	"time"

	"trading_engine/internal/core"
	"trading_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// CircuitConfig configures the portfolio-wide breaker. Zero values disable
// the corresponding trigger.
type CircuitConfig struct {
	MaxConsecutiveRejections int
	MaxDrawdown              decimal.Decimal
	CooldownPeriod           time.Duration
}

// CircuitBreaker tracks two streaks and realized drawdown. Evaluation
// rejections run until the next admission; execution failures run until the
// next ack or fill. Either streak reaching MaxConsecutiveRejections trips it.
// It is not safe for concurrent use; the Manager guards it with the
// portfolio lock.
type CircuitBreaker struct {
	state               core.BreakerState
	config              CircuitConfig
	reason              string
	consecutiveRejects  int
	consecutiveFailures int
	realizedPnL         decimal.Decimal
	peakPnL             decimal.Decimal
	lastTripped         time.Time
}

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		state:  core.BreakerClosed,
		config: config,
	}
}

// Allow reports whether an evaluation may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and lets the evaluation through.
func (cb *CircuitBreaker) Allow(now time.Time) bool {
	if cb.state != core.BreakerOpen {
		return true
	}
	if cb.cooledDown(now) {
		cb.state = core.BreakerHalfOpen
		cb.clearStreaks()
		cb.peakPnL = cb.realizedPnL
		cb.publish()
		return true
	}
	return false
}

// RecordAdmission ends the rejection streak and closes a half-open breaker
func (cb *CircuitBreaker) RecordAdmission() {
	switch cb.state {
	case core.BreakerClosed:
		cb.consecutiveRejects = 0
	case core.BreakerHalfOpen:
		cb.state = core.BreakerClosed
		cb.reason = ""
		cb.clearStreaks()
		cb.peakPnL = cb.realizedPnL
		cb.publish()
	}
}

// RecordRejection extends the rejection streak. A rejection while half-open
// re-opens the breaker immediately.
func (cb *CircuitBreaker) RecordRejection(now time.Time, reason string) {
	if cb.adverse(now, reason) {
		cb.consecutiveRejects++
		cb.checkStreak(cb.consecutiveRejects, "max consecutive rejections reached", now)
	}
}

// RecordFailure extends the execution failure streak (exchange rejections,
// transport failures, timeouts)
func (cb *CircuitBreaker) RecordFailure(now time.Time, reason string) {
	if cb.adverse(now, reason) {
		cb.consecutiveFailures++
		cb.checkStreak(cb.consecutiveFailures, "max consecutive execution failures reached", now)
	}
}

// RecordSuccess resets the execution failure streak after an ack or fill
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutiveFailures = 0
}

// adverse handles the non-closed states and reports whether a closed-state
// streak should be extended
func (cb *CircuitBreaker) adverse(now time.Time, reason string) bool {
	switch cb.state {
	case core.BreakerOpen:
		return false
	case core.BreakerHalfOpen:
		cb.trip("half-open probe failed: "+reason, now)
		return false
	}
	return true
}

func (cb *CircuitBreaker) checkStreak(streak int, reason string, now time.Time) {
	if cb.config.MaxConsecutiveRejections > 0 && streak >= cb.config.MaxConsecutiveRejections {
		cb.trip(reason, now)
	}
}

func (cb *CircuitBreaker) clearStreaks() {
	cb.consecutiveRejects = 0
	cb.consecutiveFailures = 0
}

// RecordPnL feeds the running portfolio realized PnL for the drawdown check
func (cb *CircuitBreaker) RecordPnL(realized decimal.Decimal, now time.Time) {
	cb.realizedPnL = realized
	if realized.GreaterThan(cb.peakPnL) {
		cb.peakPnL = realized
	}
	if cb.state == core.BreakerOpen || !cb.config.MaxDrawdown.IsPositive() {
		return
	}
	if cb.peakPnL.Sub(realized).GreaterThan(cb.config.MaxDrawdown) {
		cb.trip("max drawdown reached", now)
	}
}

func (cb *CircuitBreaker) trip(reason string, now time.Time) {
	cb.state = core.BreakerOpen
	cb.reason = reason
	cb.lastTripped = now
	cb.publish()
}

// Open manually trips the circuit breaker
func (cb *CircuitBreaker) Open(reason string, now time.Time) {
	cb.trip(reason, now)
}

func (cb *CircuitBreaker) Reset() {
	cb.state = core.BreakerClosed
	cb.reason = ""
	cb.clearStreaks()
	cb.peakPnL = cb.realizedPnL
	cb.publish()
}

func (cb *CircuitBreaker) State() core.BreakerState {
	return cb.state
}

func (cb *CircuitBreaker) Status() core.CircuitBreakerStatus {
	return core.CircuitBreakerStatus{
		State:                 cb.state,
		Reason:                cb.reason,
		OpenedAt:              cb.lastTripped,
		ConsecutiveRejections: cb.consecutiveRejects,
		ConsecutiveFailures:   cb.consecutiveFailures,
		RealizedPnL:           cb.realizedPnL,
		PeakPnL:               cb.peakPnL,
	}
}

// StatusAt is Status as the next evaluation at now would see it: an open
// breaker past its cooldown reads as half-open. The stored state is not
// advanced.
func (cb *CircuitBreaker) StatusAt(now time.Time) core.CircuitBreakerStatus {
	status := cb.Status()
	if cb.cooledDown(now) {
		status.State = core.BreakerHalfOpen
	}
	return status
}

func (cb *CircuitBreaker) cooledDown(now time.Time) bool {
	return cb.state == core.BreakerOpen &&
		cb.config.CooldownPeriod > 0 &&
		now.Sub(cb.lastTripped) >= cb.config.CooldownPeriod
}

func (cb *CircuitBreaker) publish() {
	telemetry.GetGlobalMetrics().SetCircuitBreakerState(int64(cb.state))
}
