package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"trading_engine/internal/bootstrap"
	"trading_engine/internal/config"
	"trading_engine/internal/infrastructure/metrics"
	"trading_engine/internal/marketdata"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults when empty)")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	feedInterval := flag.Duration("feed-interval", 50*time.Millisecond, "Synthetic feed tick interval")
	seed := flag.Uint64("seed", 1, "Synthetic feed seed")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if err := run(*configPath, *duration, *feedInterval, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, duration, feedInterval time.Duration, seed uint64) error {
	var (
		app *bootstrap.App
		err error
	)
	if configPath == "" {
		app, err = bootstrap.NewAppFromConfig(config.DefaultConfig())
	} else {
		app, err = bootstrap.NewApp(configPath)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	cfg := app.Cfg
	app.Logger.Info("Starting engine",
		"version", version,
		"execution", cfg.Execution.Mode,
		"strategy", cfg.Strategy.Type)

	stack, err := bootstrap.BuildStack(cfg, app.Logger, app.Health)
	if err != nil {
		return err
	}

	feedCfg := marketdata.DefaultSyntheticConfig(cfg.Strategy.Instruments)
	feedCfg.Interval = feedInterval
	feedCfg.Seed = seed
	feed := marketdata.NewSynthetic(feedCfg, stack.Publish, app.Logger)

	runners := []bootstrap.Runner{
		stack.Engine,
		feed,
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return stack.Aggregator.Report(ctx, cfg.Statistics.ReportInterval, app.Logger)
		}),
	}
	if app.Telemetry != nil {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, app.Telemetry.Handler(), app.Health.Handler(), app.Logger))
	}
	if am, watcher := stack.Alerts(cfg, app.Logger); watcher != nil {
		defer am.Flush()
		runners = append(runners, watcher)
	}
	if duration > 0 {
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			select {
			case <-time.After(duration):
				return context.Canceled
			case <-ctx.Done():
				return nil
			}
		}))
	}

	runErr := app.Run(runners...)
	stack.Close()
	fmt.Println(stack.Aggregator.Summary())
	return runErr
}
