package bootstrap

import (
	"fmt"
	"sync"

	"trading_engine/internal/alert"
	"trading_engine/internal/config"
	"trading_engine/internal/core"
	"trading_engine/internal/engine"
	"trading_engine/internal/execution"
	"trading_engine/internal/infrastructure/health"
	"trading_engine/internal/risk"
	"trading_engine/internal/statistics"
	"trading_engine/internal/strategy"
	"trading_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// PriceBook remembers the last observed mark per instrument for the paper
// venue's market order fills
type PriceBook struct {
	marks sync.Map // instrument -> decimal.Decimal
}

// Observe records the trade price, or the L1 mid
func (p *PriceBook) Observe(ev core.MarketEvent) {
	switch ev.Kind {
	case core.EventKindTrade:
		if ev.Trade != nil && ev.Trade.Price.IsPositive() {
			p.marks.Store(ev.Instrument, ev.Trade.Price)
		}
	case core.EventKindL1Update:
		if ev.L1 != nil && ev.L1.BidPrice.IsPositive() && ev.L1.AskPrice.IsPositive() {
			p.marks.Store(ev.Instrument, ev.L1.BidPrice.Add(ev.L1.AskPrice).Div(decimal.NewFromInt(2)))
		}
	}
}

// Price implements execution.PriceSource
func (p *PriceBook) Price(instrument string) (decimal.Decimal, bool) {
	v, ok := p.marks.Load(instrument)
	if !ok {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

// Stack is the wired trading core: strategy, risk gate, execution venue and
// statistics around one engine
type Stack struct {
	Engine     *engine.Engine
	Risk       *risk.Manager
	Paper      *execution.PaperClient
	Resilient  *execution.ResilientClient // nil unless execution mode is resilient_paper
	Strategy   *strategy.Router
	Aggregator *statistics.Aggregator
	Dispatcher *statistics.Dispatcher
	Prices     *PriceBook

	logger core.ILogger
}

// BuildStack wires every component from cfg and registers health checks on
// hm when it is non-nil
func BuildStack(cfg *Config, logger core.ILogger, hm *health.HealthManager, engineOpts ...engine.Option) (*Stack, error) {
	s := &Stack{
		Risk:       risk.NewManager(cfg.RiskLimits(), logger),
		Prices:     &PriceBook{},
		Aggregator: statistics.NewAggregator(),
		logger:     logger.WithField("component", "stack"),
	}

	// Execution
	s.Paper = execution.NewPaperClient(cfg.PaperConfig(), s.Prices.Price, logger)
	var exec core.IExecutionClient = s.Paper
	if cfg.Execution.Mode == config.ExecutionModeResilient {
		s.Resilient = execution.NewResilientClient(s.Paper, cfg.ResilientConfig(), logger)
		exec = s.Resilient
	}

	// Strategy
	strat, err := buildStrategy(cfg)
	if err != nil {
		return nil, err
	}
	s.Strategy = strategy.NewRouter(nil)
	for _, inst := range cfg.Strategy.Instruments {
		s.Strategy.Route(inst, strat)
	}

	// Statistics
	otelSink, err := statistics.NewOTelSink(telemetry.GetMeter("statistics"))
	if err != nil {
		return nil, fmt.Errorf("statistics sink: %w", err)
	}
	s.Dispatcher = statistics.NewDispatcher(statistics.Fanout{s.Aggregator, otelSink}, cfg.DispatcherConfig(), logger)

	s.Engine, err = engine.New(cfg.EngineConfig(), s.Strategy, s.Risk, exec, s.Dispatcher, logger, engineOpts...)
	if err != nil {
		s.Dispatcher.Stop()
		return nil, err
	}

	if hm != nil {
		hm.Register("engine", s.Engine.CheckHealth)
		hm.Register("risk", func() error {
			if st := s.Risk.BreakerStatus(); st.State == core.BreakerOpen {
				return fmt.Errorf("circuit breaker open: %s", st.Reason)
			}
			return nil
		})
		if s.Resilient != nil {
			hm.Register("execution", s.Resilient.CheckHealth)
		}
	}

	s.logger.Info("Trading stack built",
		"execution", cfg.Execution.Mode,
		"strategy", cfg.Strategy.Type,
		"instruments", cfg.Strategy.Instruments)
	return s, nil
}

func buildStrategy(cfg *Config) (core.IStrategy, error) {
	switch cfg.Strategy.Type {
	case config.StrategySpreadCapture:
		return strategy.NewSpreadCapture(cfg.SpreadCaptureConfig()), nil
	case config.StrategyTradeReversion:
		return strategy.NewTradeReversion("", decimal.NewFromFloat(cfg.Strategy.Quantity)), nil
	default:
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Strategy.Type)
	}
}

// Publish records the mark and hands ev to the engine
func (s *Stack) Publish(ev core.MarketEvent) error {
	s.Prices.Observe(ev)
	return s.Engine.SubmitEvent(ev)
}

// Close stops the engine, abandons in-flight paper orders and flushes
// statistics, in that order
func (s *Stack) Close() {
	if err := s.Engine.Stop(); err != nil {
		s.logger.Warn("Engine stop failed", "error", err)
	}
	if err := s.Paper.Close(); err != nil {
		s.logger.Warn("Paper client close failed", "error", err)
	}
	s.Dispatcher.Stop()
}

// Alerts builds the alert manager and the watcher polling this stack. Both
// are nil when no channel is configured.
func (s *Stack) Alerts(cfg *Config, logger core.ILogger) (*alert.AlertManager, *alert.Watcher) {
	if !cfg.Alerts.Enabled() {
		return nil, nil
	}
	am := alert.NewAlertManager(logger)
	if cfg.Alerts.SlackWebhook != "" {
		am.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhook))
	}
	if cfg.Alerts.WebhookURL != "" {
		am.AddChannel(alert.NewWebhookChannel(cfg.Alerts.WebhookURL))
	}
	w := alert.NewWatcher(am, s.Risk.BreakerStatus, s.anomalyCounters, cfg.Alerts.PollInterval, logger)
	return am, w
}

func (s *Stack) anomalyCounters() map[string]uint64 {
	st := s.Engine.Stats()
	return map[string]uint64{
		"protocol_violations":  st.ProtocolViolations,
		"submit_timeouts":      st.Timeouts,
		"strategy_failures":    st.StrategyFailures,
		"dropped_measurements": s.Dispatcher.Dropped(),
	}
}
