// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"trading_engine/internal/engine"
	"trading_engine/internal/execution"
	"trading_engine/internal/risk"
	"trading_engine/internal/statistics"
	"trading_engine/internal/strategy"
	"trading_engine/pkg/logging"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Engine     EngineConfig     `yaml:"engine"`
	Risk       RiskConfig       `yaml:"risk"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Statistics StatisticsConfig `yaml:"statistics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// EngineConfig sizes the shard workers and the order watchdog
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
}

// RiskConfig holds the static risk limits. Zero disables a limit.
type RiskConfig struct {
	MaxPosition          float64                  `yaml:"max_position"`
	QtyStep              float64                  `yaml:"qty_step"`
	MaxPortfolioExposure float64                  `yaml:"max_portfolio_exposure"`
	MaxOrderQty          float64                  `yaml:"max_order_qty"`
	RateLimit            RateLimitConfig          `yaml:"rate_limit"`
	CircuitBreaker       CircuitBreakerConfig     `yaml:"circuit_breaker"`
	Instruments          []InstrumentLimitsConfig `yaml:"instruments"`
}

type RateLimitConfig struct {
	MaxOrders int           `yaml:"max_orders"`
	Window    time.Duration `yaml:"window"`
	Scope     string        `yaml:"scope"` // instrument or global
}

type CircuitBreakerConfig struct {
	MaxConsecutiveRejections int           `yaml:"max_consecutive_rejections"`
	MaxDrawdown              float64       `yaml:"max_drawdown"`
	Cooldown                 time.Duration `yaml:"cooldown"`
}

type InstrumentLimitsConfig struct {
	Symbol      string  `yaml:"symbol"`
	MaxPosition float64 `yaml:"max_position"`
	QtyStep     float64 `yaml:"qty_step"`
}

// ExecutionConfig selects and tunes the execution client
type ExecutionConfig struct {
	Mode            string        `yaml:"mode"`
	OrdersPerSecond float64       `yaml:"orders_per_second"`
	Burst           int           `yaml:"burst"`
	AckLatency      time.Duration `yaml:"ack_latency"`
	FillLatency     time.Duration `yaml:"fill_latency"`
	FillSlices      int           `yaml:"fill_slices"`
	Retry           RetryConfig   `yaml:"retry"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
}

type BreakerConfig struct {
	FailureThreshold uint          `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Delay            time.Duration `yaml:"delay"`
}

// StrategyConfig selects the sample strategy run by the engine binary
type StrategyConfig struct {
	Type          string   `yaml:"type"`
	Instruments   []string `yaml:"instruments"`
	Quantity      float64  `yaml:"quantity"`
	Threshold     float64  `yaml:"threshold"`
	Tick          float64  `yaml:"tick"`
	SkewFactor    float64  `yaml:"skew_factor"`
	MaxLiveQuotes int      `yaml:"max_live_quotes"`
}

// StatisticsConfig sizes the async statistics dispatcher
type StatisticsConfig struct {
	Workers        int           `yaml:"workers"`
	Buffer         int           `yaml:"buffer"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	StdoutTraces  bool `yaml:"stdout_traces"`
}

// AlertsConfig routes breaker trips and engine anomalies to chat webhooks.
// Empty URLs disable a channel.
type AlertsConfig struct {
	SlackWebhook string        `yaml:"slack_webhook"`
	WebhookURL   string        `yaml:"webhook_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Enabled reports whether any channel is configured
func (a AlertsConfig) Enabled() bool {
	return a.SlackWebhook != "" || a.WebhookURL != ""
}

const (
	ExecutionModePaper     = "paper"
	ExecutionModeResilient = "resilient_paper" // paper venue behind the retry and breaker pipeline

	StrategySpreadCapture  = "spread_capture"
	StrategyTradeReversion = "trade_reversion"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Omitted fields keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs comprehensive validation of the configuration. All
// failures are reported, each as a ValidationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, value interface{}, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if _, err := logging.ParseLevel(c.App.LogLevel); err != nil {
		add("app.log_level", c.App.LogLevel, "must be one of: DEBUG, INFO, WARN, ERROR, FATAL")
	}

	if c.Engine.Workers <= 0 {
		add("engine.workers", c.Engine.Workers, "must be positive")
	}
	if c.Engine.QueueCapacity <= 0 {
		add("engine.queue_capacity", c.Engine.QueueCapacity, "must be positive")
	}
	if c.Engine.SubmitTimeout <= 0 {
		add("engine.submit_timeout", c.Engine.SubmitTimeout, "must be positive")
	}
	if c.Engine.SweepInterval <= 0 {
		add("engine.sweep_interval", c.Engine.SweepInterval, "must be positive")
	}
	if c.Engine.TerminalRetention < 0 {
		add("engine.terminal_retention", c.Engine.TerminalRetention, "must not be negative")
	}

	nonNegative := map[string]float64{
		"risk.max_position":                 c.Risk.MaxPosition,
		"risk.qty_step":                     c.Risk.QtyStep,
		"risk.max_portfolio_exposure":       c.Risk.MaxPortfolioExposure,
		"risk.max_order_qty":                c.Risk.MaxOrderQty,
		"risk.circuit_breaker.max_drawdown": c.Risk.CircuitBreaker.MaxDrawdown,
	}
	for _, field := range sortedKeys(nonNegative) {
		if nonNegative[field] < 0 {
			add(field, nonNegative[field], "must not be negative")
		}
	}
	if c.Risk.RateLimit.MaxOrders < 0 {
		add("risk.rate_limit.max_orders", c.Risk.RateLimit.MaxOrders, "must not be negative")
	}
	if c.Risk.RateLimit.MaxOrders > 0 && c.Risk.RateLimit.Window <= 0 {
		add("risk.rate_limit.window", c.Risk.RateLimit.Window, "required when max_orders is set")
	}
	if _, ok := risk.ParseRateScope(c.Risk.RateLimit.Scope); !ok {
		add("risk.rate_limit.scope", c.Risk.RateLimit.Scope, "must be one of: instrument, global")
	}
	if c.Risk.CircuitBreaker.MaxConsecutiveRejections < 0 {
		add("risk.circuit_breaker.max_consecutive_rejections", c.Risk.CircuitBreaker.MaxConsecutiveRejections, "must not be negative")
	}
	seen := make(map[string]bool)
	for i, inst := range c.Risk.Instruments {
		field := fmt.Sprintf("risk.instruments[%d]", i)
		switch {
		case inst.Symbol == "":
			add(field+".symbol", inst.Symbol, "symbol is required")
		case seen[inst.Symbol]:
			add(field+".symbol", inst.Symbol, "duplicate instrument")
		}
		seen[inst.Symbol] = true
		if inst.MaxPosition < 0 || inst.QtyStep < 0 {
			add(field, inst.Symbol, "limits must not be negative")
		}
	}

	switch c.Execution.Mode {
	case ExecutionModePaper, ExecutionModeResilient:
	default:
		add("execution.mode", c.Execution.Mode, "must be one of: paper, resilient_paper")
	}
	if c.Execution.OrdersPerSecond < 0 {
		add("execution.orders_per_second", c.Execution.OrdersPerSecond, "must not be negative")
	}
	if c.Execution.FillSlices < 0 {
		add("execution.fill_slices", c.Execution.FillSlices, "must not be negative")
	}
	if c.Execution.Retry.MaxRetries < 0 {
		add("execution.retry.max_retries", c.Execution.Retry.MaxRetries, "must not be negative")
	}
	if c.Execution.Retry.BackoffMax > 0 && c.Execution.Retry.BackoffMax < c.Execution.Retry.BackoffMin {
		add("execution.retry.backoff_max", c.Execution.Retry.BackoffMax, "must not be below backoff_min")
	}

	switch c.Strategy.Type {
	case StrategySpreadCapture, StrategyTradeReversion:
	default:
		add("strategy.type", c.Strategy.Type, "must be one of: spread_capture, trade_reversion")
	}
	if len(c.Strategy.Instruments) == 0 {
		add("strategy.instruments", nil, "at least one instrument is required")
	}

	if c.Strategy.Quantity <= 0 {
		add("strategy.quantity", c.Strategy.Quantity, "must be positive")
	}

	if c.Statistics.Workers <= 0 {
		add("statistics.workers", c.Statistics.Workers, "must be positive")
	}
	if c.Statistics.Buffer <= 0 {
		add("statistics.buffer", c.Statistics.Buffer, "must be positive")
	}

	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort <= 0 || c.Telemetry.MetricsPort > 65535) {
		add("telemetry.metrics_port", c.Telemetry.MetricsPort, "must be a valid port when metrics are enabled")
	}

	if c.Alerts.Enabled() && c.Alerts.PollInterval <= 0 {
		add("alerts.poll_interval", c.Alerts.PollInterval, "must be positive when a channel is configured")
	}

	return errors.Join(errs...)
}

// RiskLimits converts the risk section
func (c *Config) RiskLimits() risk.Limits {
	scope, _ := risk.ParseRateScope(c.Risk.RateLimit.Scope)
	limits := risk.Limits{
		MaxPosition:          decimal.NewFromFloat(c.Risk.MaxPosition),
		QtyStep:              decimal.NewFromFloat(c.Risk.QtyStep),
		MaxPortfolioExposure: decimal.NewFromFloat(c.Risk.MaxPortfolioExposure),
		MaxOrderQty:          decimal.NewFromFloat(c.Risk.MaxOrderQty),
		RateLimit: risk.RateLimit{
			MaxOrders: c.Risk.RateLimit.MaxOrders,
			Window:    c.Risk.RateLimit.Window,
			Scope:     scope,
		},
		CircuitBreaker: risk.CircuitConfig{
			MaxConsecutiveRejections: c.Risk.CircuitBreaker.MaxConsecutiveRejections,
			MaxDrawdown:              decimal.NewFromFloat(c.Risk.CircuitBreaker.MaxDrawdown),
			CooldownPeriod:           c.Risk.CircuitBreaker.Cooldown,
		},
	}
	if len(c.Risk.Instruments) > 0 {
		limits.Instruments = make(map[string]risk.InstrumentLimits, len(c.Risk.Instruments))
		for _, inst := range c.Risk.Instruments {
			limits.Instruments[inst.Symbol] = risk.InstrumentLimits{
				MaxPosition: decimal.NewFromFloat(inst.MaxPosition),
				QtyStep:     decimal.NewFromFloat(inst.QtyStep),
			}
		}
	}
	return limits
}

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Workers:           c.Engine.Workers,
		QueueCapacity:     c.Engine.QueueCapacity,
		SubmitTimeout:     c.Engine.SubmitTimeout,
		SweepInterval:     c.Engine.SweepInterval,
		TerminalRetention: c.Engine.TerminalRetention,
	}
}

func (c *Config) PaperConfig() execution.PaperConfig {
	return execution.PaperConfig{
		OrdersPerSecond: c.Execution.OrdersPerSecond,
		Burst:           c.Execution.Burst,
		AckLatency:      c.Execution.AckLatency,
		FillLatency:     c.Execution.FillLatency,
		FillSlices:      c.Execution.FillSlices,
	}
}

func (c *Config) ResilientConfig() execution.ResilientConfig {
	return execution.ResilientConfig{
		Retry: execution.RetryConfig{
			MaxRetries: c.Execution.Retry.MaxRetries,
			BackoffMin: c.Execution.Retry.BackoffMin,
			BackoffMax: c.Execution.Retry.BackoffMax,
		},
		Breaker: execution.BreakerConfig{
			FailureThreshold: c.Execution.Breaker.FailureThreshold,
			FailureWindow:    c.Execution.Breaker.FailureWindow,
			Delay:            c.Execution.Breaker.Delay,
		},
	}
}

func (c *Config) DispatcherConfig() statistics.DispatcherConfig {
	return statistics.DispatcherConfig{
		Workers: c.Statistics.Workers,
		Buffer:  c.Statistics.Buffer,
	}
}

func (c *Config) SpreadCaptureConfig() strategy.SpreadCaptureConfig {
	cfg := strategy.DefaultSpreadCaptureConfig()
	cfg.Quantity = decimal.NewFromFloat(c.Strategy.Quantity)
	if c.Strategy.Threshold > 0 {
		cfg.Threshold = decimal.NewFromFloat(c.Strategy.Threshold)
	}
	if c.Strategy.Tick > 0 {
		cfg.Tick = decimal.NewFromFloat(c.Strategy.Tick)
	}
	cfg.SkewFactor = decimal.NewFromFloat(c.Strategy.SkewFactor)
	cfg.MaxLiveQuotes = c.Strategy.MaxLiveQuotes
	return cfg
}

// String returns the configuration as YAML
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

// expandEnvVars replaces ${VAR} and ${VAR:-default}
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultConfig returns a configuration that runs the paper demo
func DefaultConfig() *Config {
	ec := engine.DefaultConfig()
	return &Config{
		App: AppConfig{
			Name:     "trading_engine",
			LogLevel: "INFO",
		},
		Engine: EngineConfig{
			Workers:           ec.Workers,
			QueueCapacity:     ec.QueueCapacity,
			SubmitTimeout:     ec.SubmitTimeout,
			SweepInterval:     ec.SweepInterval,
			TerminalRetention: ec.TerminalRetention,
		},
		Risk: RiskConfig{
			MaxPosition:          1,
			MaxPortfolioExposure: 100000,
			MaxOrderQty:          0.5,
			RateLimit:            RateLimitConfig{MaxOrders: 50, Window: time.Second, Scope: "instrument"},
			CircuitBreaker:       CircuitBreakerConfig{MaxConsecutiveRejections: 20, Cooldown: 5 * time.Second},
		},
		Execution: ExecutionConfig{
			Mode:            ExecutionModePaper,
			OrdersPerSecond: 25,
			Burst:           30,
			AckLatency:      time.Millisecond,
			FillLatency:     5 * time.Millisecond,
			FillSlices:      1,
			Retry:           RetryConfig{MaxRetries: 2, BackoffMin: 20 * time.Millisecond, BackoffMax: 200 * time.Millisecond},
			Breaker:         BreakerConfig{FailureThreshold: 5, FailureWindow: 10 * time.Second, Delay: 10 * time.Second},
		},
		Strategy: StrategyConfig{
			Type:        StrategySpreadCapture,
			Instruments: []string{"BTCUSDT", "ETHUSDT"},
			Quantity:    0.01,
			Threshold:   0.001,
			Tick:        0.0001,
		},
		Statistics: StatisticsConfig{
			Workers:        2,
			Buffer:         4096,
			ReportInterval: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Alerts: AlertsConfig{
			PollInterval: time.Second,
		},
	}
}
