package bootstrap

import (
	"trade_gateway/pkg/logging"
)

// InitLogger builds the process logger. Telemetry must be set up first so the
// OpenTelemetry bridge picks up the configured log provider.
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger, nil
}
