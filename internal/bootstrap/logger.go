package bootstrap

import (
	"trading_engine/internal/core"
	"trading_engine/pkg/logging"
)

// InitLogger builds the zap logger for cfg. Telemetry must already be set up
// for records to reach the OTel log bridge.
func InitLogger(cfg *Config) (*logging.ZapLogger, core.ILogger, error) {
	base, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return base, base.WithField("app", cfg.App.Name), nil
}
