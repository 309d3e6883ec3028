package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trading_engine/internal/config"
	"trading_engine/internal/infrastructure/health"
	"trading_engine/internal/marketdata"
	"trading_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := config.DefaultConfig()
	cfg.Telemetry.EnableMetrics = false
	cfg.Strategy.Type = config.StrategyTradeReversion
	cfg.Strategy.Instruments = []string{"BTCUSDT"}
	cfg.Execution.OrdersPerSecond = 0
	return cfg
}

func TestCheckPreFlight(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, checkPreFlight(cfg))

	cfg.Risk.Instruments = []config.InstrumentLimitsConfig{{Symbol: "DOGEUSDT", MaxPosition: 10}}
	assert.ErrorContains(t, checkPreFlight(cfg), "DOGEUSDT")

	cfg = testConfig()
	cfg.Alerts.SlackWebhook = "hooks.slack.com/services/x"
	assert.ErrorContains(t, checkPreFlight(cfg), "alerts.slack_webhook")

	cfg.Alerts.SlackWebhook = "https://hooks.slack.com/services/x"
	assert.NoError(t, checkPreFlight(cfg))
}

func TestLoadConfig_RunsPreFlight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := "strategy:\n  instruments: [BTCUSDT]\nrisk:\n  instruments:\n    - symbol: ETHUSDT\n      max_position: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "pre-flight")
}

func TestRunContext(t *testing.T) {
	app := &App{Logger: logging.NewNopLogger()}

	boom := errors.New("boom")
	err := app.RunContext(context.Background(),
		RunnerFunc(func(ctx context.Context) error { return boom }),
		RunnerFunc(func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }),
	)
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = app.RunContext(ctx, RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.NoError(t, err, "cancellation is a clean stop")
}

func TestBuildStack_RejectsUnknownStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.Type = "martingale"
	_, err := BuildStack(cfg, logging.NewNopLogger(), nil)
	assert.ErrorContains(t, err, "martingale")
}

func TestBuildStack_EndToEnd(t *testing.T) {
	for _, mode := range []string{config.ExecutionModePaper, config.ExecutionModeResilient} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.Execution.Mode = mode
			hm := health.NewHealthManager(logging.NewNopLogger())

			stack, err := BuildStack(cfg, logging.NewNopLogger(), hm)
			require.NoError(t, err)
			if mode == config.ExecutionModeResilient {
				require.NotNil(t, stack.Resilient)
				assert.Contains(t, hm.GetStatus(), "execution")
			} else {
				assert.Nil(t, stack.Resilient)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, stack.Engine.Start(ctx))
			assert.True(t, hm.IsHealthy(), "%v", hm.GetStatus())

			feed := marketdata.NewSynthetic(marketdata.DefaultSyntheticConfig(cfg.Strategy.Instruments), stack.Publish, logging.NewNopLogger())
			now := time.Now()
			for i := 0; i < 5; i++ {
				require.NoError(t, feed.Tick(now.Add(time.Duration(i)*time.Millisecond)))
			}

			require.Eventually(t, func() bool {
				return stack.Aggregator.Snapshot().OrdersFilled >= 5
			}, 5*time.Second, 5*time.Millisecond)

			_, ok := stack.Prices.Price("BTCUSDT")
			assert.True(t, ok)

			stack.Close()
			snap := stack.Aggregator.Snapshot()
			assert.Equal(t, uint64(10), snap.EventsProcessed)
			assert.Contains(t, stack.Aggregator.Summary(), "BTCUSDT")
			assert.False(t, hm.IsHealthy(), "stopped engine reports unhealthy")
		})
	}
}

func TestStack_AlertsOnBreakerTrip(t *testing.T) {
	cfg := testConfig()
	stack, err := BuildStack(cfg, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	defer stack.Close()

	am, w := stack.Alerts(cfg, logging.NewNopLogger())
	assert.Nil(t, am)
	assert.Nil(t, w, "no channel, no watcher")

	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body.Title
	}))
	defer srv.Close()

	cfg.Alerts.WebhookURL = srv.URL
	am, w = stack.Alerts(cfg, logging.NewNopLogger())
	require.NotNil(t, w)

	stack.Risk.TripBreaker("operator halt")
	w.Check(context.Background())
	am.Flush()

	select {
	case title := <-received:
		assert.Equal(t, "Circuit breaker tripped", title)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}
}
