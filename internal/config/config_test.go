package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trading_engine/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "log_level: ${TEST_LOG_LEVEL}",
			envVars:  map[string]string{"TEST_LOG_LEVEL": "DEBUG"},
			expected: "log_level: DEBUG",
		},
		{
			name:  "expand multiple env vars",
			input: "workers: ${TEST_WORKERS}\nqueue_capacity: ${TEST_CAPACITY}",
			envVars: map[string]string{
				"TEST_WORKERS":  "8",
				"TEST_CAPACITY": "1024",
			},
			expected: "workers: 8\nqueue_capacity: 1024",
		},
		{
			name:     "missing env var returns empty string",
			input:    "mode: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "mode: ",
		},
		{
			name:     "default used when unset",
			input:    "metrics_port: ${MISSING_PORT:-9100}",
			envVars:  map[string]string{},
			expected: "metrics_port: 9100",
		},
		{
			name:     "set value wins over default",
			input:    "metrics_port: ${TEST_PORT:-9100}",
			envVars:  map[string]string{"TEST_PORT": "9200"},
			expected: "metrics_port: 9200",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `app:
  name: "paper-demo"
  log_level: "${TEST_ENGINE_LOG_LEVEL}"

engine:
  workers: 2
  queue_capacity: 512
  submit_timeout: 2s

risk:
  max_position: 5
  qty_step: 0.001
  max_order_qty: 1
  rate_limit:
    max_orders: 10
    window: 500ms
    scope: global
  circuit_breaker:
    max_consecutive_rejections: 3
    max_drawdown: 250.5
    cooldown: 30s
  instruments:
    - symbol: ETHUSDT
      max_position: 20
      qty_step: 0.01

execution:
  mode: resilient_paper
  fill_slices: 4
  retry:
    max_retries: 5
    backoff_min: 10ms
    backoff_max: 1s

strategy:
  type: trade_reversion
  instruments: ["SOLUSDT"]
  quantity: 0.5

telemetry:
  enable_metrics: true
  metrics_port: ${TEST_METRICS_PORT:-9191}
`
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))
	t.Setenv("TEST_ENGINE_LOG_LEVEL", "DEBUG")

	config, err := LoadConfig(path)
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "paper-demo", config.App.Name)
	assert.Equal(t, "DEBUG", config.App.LogLevel)
	assert.Equal(t, 9191, config.Telemetry.MetricsPort)
	assert.Equal(t, []string{"SOLUSDT"}, config.Strategy.Instruments)

	ec := config.EngineConfig()
	assert.Equal(t, 2, ec.Workers)
	assert.Equal(t, 512, ec.QueueCapacity)
	assert.Equal(t, 2*time.Second, ec.SubmitTimeout)
	assert.Equal(t, DefaultConfig().Engine.SweepInterval, ec.SweepInterval, "omitted fields keep defaults")

	limits := config.RiskLimits()
	assert.True(t, limits.MaxPosition.Equal(decimal.NewFromInt(5)))
	assert.True(t, limits.QtyStep.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, risk.RateScopeGlobal, limits.RateLimit.Scope)
	assert.Equal(t, 500*time.Millisecond, limits.RateLimit.Window)
	assert.Equal(t, 3, limits.CircuitBreaker.MaxConsecutiveRejections)
	assert.True(t, limits.CircuitBreaker.MaxDrawdown.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, 30*time.Second, limits.CircuitBreaker.CooldownPeriod)
	require.Contains(t, limits.Instruments, "ETHUSDT")
	assert.True(t, limits.Instruments["ETHUSDT"].MaxPosition.Equal(decimal.NewFromInt(20)))

	assert.Equal(t, 4, config.PaperConfig().FillSlices)
	rc := config.ResilientConfig()
	assert.Equal(t, 5, rc.Retry.MaxRetries)
	assert.Equal(t, time.Second, rc.Retry.BackoffMax)
	assert.Equal(t, uint(5), rc.Breaker.FailureThreshold)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.LogLevel = "LOUD"
	cfg.Engine.Workers = 0
	cfg.Risk.MaxPosition = -1
	cfg.Risk.RateLimit.Scope = "galaxy"
	cfg.Risk.Instruments = []InstrumentLimitsConfig{{Symbol: "X"}, {Symbol: "X"}}
	cfg.Execution.Mode = "live"
	cfg.Strategy.Instruments = nil

	err := cfg.Validate()
	require.Error(t, err)

	var fields []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var ve ValidationError
		require.True(t, errors.As(e, &ve))
		fields = append(fields, ve.Field)
	}
	assert.ElementsMatch(t, []string{
		"app.log_level",
		"engine.workers",
		"risk.max_position",
		"risk.rate_limit.scope",
		"risk.instruments[1].symbol",
		"execution.mode",
		"strategy.instruments",
	}, fields)
}

func TestValidate_RateWindowRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.RateLimit = RateLimitConfig{MaxOrders: 5}

	var ve ValidationError
	require.True(t, errors.As(cfg.Validate(), &ve))
	assert.Equal(t, "risk.rate_limit.window", ve.Field)
}

func TestParse_RejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("engine:\n  workers: -3\n"))
	assert.ErrorContains(t, err, "engine.workers")

	_, err = Parse([]byte("engine: [not, a, map]"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")
}

func TestSpreadCaptureConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy.SkewFactor = 0.05
	cfg.Strategy.MaxLiveQuotes = 4

	sc := cfg.SpreadCaptureConfig()
	assert.True(t, sc.Quantity.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, sc.Threshold.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, sc.SkewFactor.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 4, sc.MaxLiveQuotes)
}

func TestConfig_String(t *testing.T) {
	output := DefaultConfig().String()
	assert.Contains(t, output, "queue_capacity: 4096")
	assert.Contains(t, output, "mode: paper")
}

func TestValidate_AlertsPollInterval(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Alerts.Enabled())

	cfg.Alerts.WebhookURL = "https://alerts.example.com/hook"
	cfg.Alerts.PollInterval = 0
	assert.True(t, cfg.Alerts.Enabled())

	var ve ValidationError
	require.True(t, errors.As(cfg.Validate(), &ve))
	assert.Equal(t, "alerts.poll_interval", ve.Field)
}
