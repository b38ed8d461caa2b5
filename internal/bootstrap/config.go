package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"trade_gateway/internal/config"

	"github.com/caarlos0/env/v11"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// envOverrides are process-level settings that deployments set through the
// environment rather than the config file.
type envOverrides struct {
	LogLevel       string   `env:"GATEWAY_LOG_LEVEL"`
	MetricsPort    int      `env:"GATEWAY_METRICS_PORT"`
	GRPCHealthPort int      `env:"GATEWAY_GRPC_HEALTH_PORT"`
	ActiveVenues   []string `env:"GATEWAY_ACTIVE_VENUES" envSeparator:","`
	JournalPath    string   `env:"GATEWAY_JOURNAL_PATH"`
	KafkaBrokers   []string `env:"GATEWAY_KAFKA_BROKERS" envSeparator:","`
}

// ApplyEnv overlays GATEWAY_* environment variables onto cfg and validates
// the result.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if o.LogLevel != "" {
		cfg.System.LogLevel = o.LogLevel
	}
	if o.MetricsPort != 0 {
		cfg.Telemetry.MetricsPort = o.MetricsPort
	}
	if o.GRPCHealthPort != 0 {
		cfg.Telemetry.GRPCHealthPort = o.GRPCHealthPort
	}
	if len(o.ActiveVenues) > 0 {
		cfg.App.ActiveVenues = o.ActiveVenues
	}
	if o.JournalPath != "" {
		cfg.Outbound.JournalPath = o.JournalPath
	}
	if len(o.KafkaBrokers) > 0 {
		cfg.Outbound.Kafka.Brokers = o.KafkaBrokers
	}
	return cfg.Validate()
}

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Outbound.Stream.Enabled && !cfg.Telemetry.EnableMetrics {
		return fmt.Errorf("outbound.stream requires telemetry.enable_metrics: the stream is served on the metrics port")
	}

	if cfg.Outbound.JournalPath != "" {
		dir := filepath.Dir(cfg.Outbound.JournalPath)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("journal directory not found: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("journal directory is not a directory: %s", dir)
		}
		if info.Mode().Perm()&0200 == 0 {
			return fmt.Errorf("journal directory is not writable: %s (%04o)", dir, info.Mode().Perm())
		}
	}

	return nil
}
