package apperrors

import "errors"

// Engine errors
var (
	ErrEngineBackpressure = errors.New("engine backpressure: queue at capacity")
	ErrEngineStopped      = errors.New("engine stopped")
	ErrEngineRunning      = errors.New("engine workers running")
	ErrInvalidEvent       = errors.New("invalid market event")
	ErrStrategyFailure    = errors.New("strategy failure")
	ErrUnknownOrder       = errors.New("unknown order")
	ErrLateReport         = errors.New("report for terminal order")
	ErrProtocolViolation  = errors.New("execution protocol violation")
	ErrTimeout            = errors.New("order timed out without report")
)

// Standardized execution errors
var (
	ErrSubmission        = errors.New("order submission failed")
	ErrOrderRejected     = errors.New("order rejected")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNetwork           = errors.New("network error")
	ErrSystemOverload    = errors.New("system overload")
)
