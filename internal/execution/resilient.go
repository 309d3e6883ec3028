package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RetryConfig bounds resubmission of transient failures
type RetryConfig struct {
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// BreakerConfig opens the transport breaker after FailureThreshold
// failures within FailureWindow
type BreakerConfig struct {
	FailureThreshold uint
	FailureWindow    time.Duration
	Delay            time.Duration
}

// ResilientConfig configures ResilientClient
type ResilientConfig struct {
	Retry   RetryConfig
	Breaker BreakerConfig
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Retry:   RetryConfig{MaxRetries: 2, BackoffMin: 20 * time.Millisecond, BackoffMax: 200 * time.Millisecond},
		Breaker: BreakerConfig{FailureThreshold: 5, FailureWindow: 10 * time.Second, Delay: 10 * time.Second},
	}
}

// ResilientClient retries transient submission failures and stops calling
// a failing transport for a while. Retries resubmit the same order seq;
// the inner transport must treat it as an idempotency key.
type ResilientClient struct {
	inner    core.IExecutionClient
	pipeline failsafe.Executor[any]
	breaker  circuitbreaker.CircuitBreaker[any]
	logger   core.ILogger

	attempts metric.Int64Counter
}

// retryable excludes definitive venue answers, throttling and caller
// cancellation. A throttled submit fails fast; backing off here would stall
// the shard worker.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, apperrors.ErrOrderRejected) &&
		!errors.Is(err, apperrors.ErrRateLimitExceeded) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func NewResilientClient(inner core.IExecutionClient, cfg ResilientConfig, logger core.ILogger) *ResilientClient {
	log := logger.WithField("component", "resilient_execution")

	retryBuilder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return retryable(err) && !errors.Is(err, circuitbreaker.ErrOpen)
		}).
		WithMaxRetries(cfg.Retry.MaxRetries).
		ReturnLastFailure()
	switch {
	case cfg.Retry.BackoffMin > 0 && cfg.Retry.BackoffMax > cfg.Retry.BackoffMin:
		retryBuilder = retryBuilder.WithBackoff(cfg.Retry.BackoffMin, cfg.Retry.BackoffMax)
	case cfg.Retry.BackoffMin > 0:
		retryBuilder = retryBuilder.WithDelay(cfg.Retry.BackoffMin)
	}
	retry := retryBuilder.Build()

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return retryable(err) }).
		WithFailureThresholdPeriod(threshold, cfg.Breaker.FailureWindow).
		WithDelay(cfg.Breaker.Delay).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			log.Warn("Execution transport breaker opened")
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			log.Info("Execution transport breaker closed")
		}).
		Build()

	attempts, _ := telemetry.GetMeter("execution").Int64Counter("execution_submit_attempts_total",
		metric.WithDescription("Submission attempts against the execution transport"))

	return &ResilientClient{
		inner:    inner,
		pipeline: failsafe.With[any](retry, breaker),
		breaker:  breaker,
		logger:   log,
		attempts: attempts,
	}
}

func (c *ResilientClient) Submit(ctx context.Context, order core.Order) error {
	err := c.pipeline.WithContext(ctx).Run(func() error {
		err := c.inner.Submit(ctx, order)
		c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("execution transport unavailable: %w: %w", apperrors.ErrNetwork, err)
	}
	return err
}

// BindReports forwards to the wrapped transport when it pushes reports
func (c *ResilientClient) BindReports(handler core.IReportHandler) {
	if binder, ok := c.inner.(core.IReportBinder); ok {
		binder.BindReports(handler)
	}
}

// BreakerOpen reports whether submissions are currently short-circuited
func (c *ResilientClient) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// CheckHealth fails while the transport breaker is open
func (c *ResilientClient) CheckHealth() error {
	if c.breaker.IsOpen() {
		return fmt.Errorf("execution transport breaker open: %w", apperrors.ErrNetwork)
	}
	return nil
}
