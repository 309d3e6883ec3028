package bootstrap

import (
	"fmt"
	"net/url"

	"trading_engine/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs cross-section checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	traded := make(map[string]bool, len(cfg.Strategy.Instruments))
	for _, inst := range cfg.Strategy.Instruments {
		traded[inst] = true
	}

	// An override for an instrument nobody trades is almost always a typo
	for _, il := range cfg.Risk.Instruments {
		if !traded[il.Symbol] {
			return fmt.Errorf("risk override for %s but strategy trades %v", il.Symbol, cfg.Strategy.Instruments)
		}
	}

	for name, raw := range map[string]string{
		"slack_webhook": cfg.Alerts.SlackWebhook,
		"webhook_url":   cfg.Alerts.WebhookURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("alerts.%s is not an http(s) URL", name)
		}
	}

	if cfg.Execution.Mode == config.ExecutionModeResilient && cfg.Execution.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("resilient_paper execution requires breaker.failure_threshold")
	}

	return nil
}
