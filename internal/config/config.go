// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Venue protocols understood by the adapter factory.
const (
	ProtocolFutures = "futures"
	ProtocolOptions = "options"
	ProtocolStock   = "stock"
	ProtocolSim     = "sim"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	System    SystemConfig           `yaml:"system"`
	Outbound  OutboundConfig         `yaml:"outbound"`
	Timing    TimingConfig           `yaml:"timing"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Alerts    AlertConfig            `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name         string   `yaml:"name"`
	ActiveVenues []string `yaml:"active_venues"`
}

// VenueConfig configures one adapter instance (one venue connection).
type VenueConfig struct {
	Protocol string `yaml:"protocol"`
	BaseURL  string `yaml:"base_url"`
	WSURL    string `yaml:"ws_url"`

	BrokerID  string `yaml:"broker_id"`
	UserID    string `yaml:"user_id"`
	Password  Secret `yaml:"password"`
	AppID     string `yaml:"app_id"`
	AuthCode  Secret `yaml:"auth_code"`
	SecretKey Secret `yaml:"secret_key"` // HMAC key for request signing

	Accounts    []string `yaml:"accounts"`
	Instruments []string `yaml:"instruments"`
	// DefaultRoute receives requests whose risk verdict asks for default routing.
	DefaultRoute string `yaml:"default_route"`

	CancelAllOnStartup bool    `yaml:"cancel_all_on_startup"`
	RateLimit          float64 `yaml:"rate_limit"` // requests per second
	RateBurst          int     `yaml:"rate_burst"`
	RequestTimeoutMs   int     `yaml:"request_timeout_ms"`
}

// RequestTimeout returns the REST timeout, defaulting to 10s.
func (v VenueConfig) RequestTimeout() time.Duration {
	if v.RequestTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(v.RequestTimeoutMs) * time.Millisecond
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
	// FinishedCapacity bounds the per-gateway set of finished order refs.
	FinishedCapacity int `yaml:"finished_capacity"`
	// TradingDayReset is the local wall-clock time ("15:30") at which positions
	// roll over to a new trading day. Empty disables the daily reset.
	TradingDayReset string `yaml:"trading_day_reset"`
}

// ResetClock parses TradingDayReset into hour and minute.
func (s SystemConfig) ResetClock() (hour, minute int, ok bool) {
	if s.TradingDayReset == "" {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", s.TradingDayReset)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// OutboundConfig configures the canonical event fan-out.
type OutboundConfig struct {
	JournalPath string       `yaml:"journal_path"` // empty disables the SQLite journal
	Buffer      int          `yaml:"buffer"`
	Workers     int          `yaml:"workers"`
	Stream      StreamConfig `yaml:"stream"`
	Kafka       KafkaConfig  `yaml:"kafka"`
}

// KafkaConfig enables the Kafka sink when at least one broker is listed.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	BatchTimeoutMs int      `yaml:"batch_timeout_ms"`
}

// StreamConfig configures the WebSocket feed of outbound events served next
// to the metrics endpoint.
type StreamConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxClients     int      `yaml:"max_clients"`
	ClientBuffer   int      `yaml:"client_buffer"`
}

// TimingConfig contains timing-related settings, in seconds unless noted
type TimingConfig struct {
	WebsocketPongWait     int `yaml:"websocket_pong_wait"`
	WebsocketPingInterval int `yaml:"websocket_ping_interval"`
	ReconnectMinDelayMs   int `yaml:"reconnect_min_delay_ms"`
	ReconnectMaxDelay     int `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int `yaml:"reconnect_max_attempts"` // -1 retries forever
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics  bool `yaml:"enable_metrics"`
	MetricsPort    int  `yaml:"metrics_port"`
	GRPCHealthPort int  `yaml:"grpc_health_port"`
	StdoutTraces   bool `yaml:"stdout_traces"`
	StdoutLogs     bool `yaml:"stdout_logs"`
	// TraceSampleRatio samples root spans; 0 means all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// AlertConfig configures alert channels; an empty channel is disabled.
type AlertConfig struct {
	SlackWebhook   Secret `yaml:"slack_webhook"`
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	// MinLevel drops alerts below INFO, WARNING, ERROR or CRITICAL.
	MinLevel string `yaml:"min_level"`
	// SuppressSeconds folds repeats of one venue's alert within the window.
	SuppressSeconds int `yaml:"suppress_seconds"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	config.Venues = nil
	config.App.ActiveVenues = nil
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string
	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateVenues,
		c.validateSystemConfig,
		c.validateTelemetryConfig,
		c.validateOutboundConfig,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if len(c.App.ActiveVenues) == 0 {
		for name := range c.Venues {
			c.App.ActiveVenues = append(c.App.ActiveVenues, name)
		}
		sort.Strings(c.App.ActiveVenues)
	}
	if len(c.App.ActiveVenues) == 0 {
		return ValidationError{Field: "app.active_venues", Message: "at least one venue must be active"}
	}
	for _, name := range c.App.ActiveVenues {
		if _, ok := c.Venues[name]; !ok {
			return ValidationError{
				Field:   "app.active_venues",
				Value:   name,
				Message: "venue configuration not found in venues section",
			}
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	valid := []string{ProtocolFutures, ProtocolOptions, ProtocolStock, ProtocolSim}
	names := make([]string, 0, len(c.Venues))
	for name := range c.Venues {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := c.Venues[name]
		field := "venues." + name
		if !contains(valid, v.Protocol) {
			return ValidationError{
				Field:   field + ".protocol",
				Value:   v.Protocol,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
			}
		}
		if len(v.Accounts) == 0 {
			return ValidationError{Field: field + ".accounts", Message: "at least one account is required"}
		}
		if v.RateLimit < 0 {
			return ValidationError{Field: field + ".rate_limit", Value: v.RateLimit, Message: "must not be negative"}
		}
		if v.Protocol == ProtocolSim {
			continue
		}
		if v.BaseURL == "" {
			return ValidationError{Field: field + ".base_url", Message: "base URL is required"}
		}
		if v.WSURL == "" {
			return ValidationError{Field: field + ".ws_url", Message: "push stream URL is required"}
		}
		if v.UserID == "" {
			return ValidationError{Field: field + ".user_id", Message: "user id is required"}
		}
		if v.Password == "" {
			return ValidationError{Field: field + ".password", Message: "password is required"}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.System.TradingDayReset != "" {
		if _, _, ok := c.System.ResetClock(); !ok {
			return ValidationError{
				Field:   "system.trading_day_reset",
				Value:   c.System.TradingDayReset,
				Message: "must be a HH:MM wall-clock time",
			}
		}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	for field, port := range map[string]int{
		"telemetry.metrics_port":     c.Telemetry.MetricsPort,
		"telemetry.grpc_health_port": c.Telemetry.GRPCHealthPort,
	} {
		if port < 0 || port > 65535 {
			return ValidationError{Field: field, Value: port, Message: "must be a valid port"}
		}
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return ValidationError{Field: "telemetry.trace_sample_ratio", Value: r, Message: "must be within [0, 1]"}
	}
	return nil
}

func (c *Config) validateOutboundConfig() error {
	if len(c.Outbound.Kafka.Brokers) > 0 && c.Outbound.Kafka.Topic == "" {
		return ValidationError{Field: "outbound.kafka.topic", Message: "topic is required when brokers are set"}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		configCopy.Venues[name] = v
	}
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration with one simulated venue.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:         "trade_gateway",
			ActiveVenues: []string{"sim"},
		},
		Venues: map[string]VenueConfig{
			"sim": {
				Protocol:  ProtocolSim,
				Accounts:  []string{"SIM001"},
				RateLimit: 50,
				RateBurst: 50,
			},
		},
		System: SystemConfig{
			LogLevel:         "INFO",
			FinishedCapacity: 100000,
		},
		Outbound: OutboundConfig{
			Buffer:  4096,
			Workers: 4,
			Stream: StreamConfig{
				MaxClients:   100,
				ClientBuffer: 1024,
			},
		},
		Timing: TimingConfig{
			WebsocketPongWait:     60,
			WebsocketPingInterval: 20,
			ReconnectMinDelayMs:   500,
			ReconnectMaxDelay:     30,
			ReconnectMaxAttempts:  -1,
		},
		Alerts: AlertConfig{
			MinLevel:        "WARNING",
			SuppressSeconds: 60,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics:  true,
			MetricsPort:    9090,
			GRPCHealthPort: 50051,
		},
	}
}
