package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading_engine/internal/core"
	"trading_engine/internal/infrastructure/health"
	"trading_engine/pkg/logging"
	"trading_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies.
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry // nil when metrics are disabled
	Health    *health.HealthManager

	base *logging.ZapLogger
}

// NewApp creates a new App instance by bootstrapping all dependencies.
func NewApp(configPath string) (*App, error) {
	// 1. Load Configuration
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return NewAppFromConfig(cfg)
}

// NewAppFromConfig bootstraps from an already validated configuration
func NewAppFromConfig(cfg *Config) (*App, error) {
	// 2. Telemetry before the logger so the OTel bridge sees the provider
	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		t, err := telemetry.SetupWithOptions(cfg.App.Name, telemetry.Options{
			StdoutTraces: cfg.Telemetry.StdoutTraces,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		tel = t
	}

	// 3. Initialize Logger
	base, logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
		Health:    health.NewHealthManager(logger),
		base:      base,
	}, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run orchestrates the application lifecycle, including signal handling.
func (a *App) Run(runners ...Runner) error {
	// Create a context that is canceled when a termination signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs every runner until ctx is done or one of them fails. A
// runner returning context.Canceled counts as a clean stop.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "runners", len(runners))

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Shutdown flushes telemetry and the logger
func (a *App) Shutdown() error {
	var errs []error
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.base != nil {
		// stdout sync returns EINVAL on some terminals
		_ = a.base.Sync()
	}
	return errors.Join(errs...)
}
