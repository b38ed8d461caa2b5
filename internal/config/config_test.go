package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

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
			input:    "password: ${TEST_GW_PASSWORD}",
			envVars:  map[string]string{"TEST_GW_PASSWORD": "pw_123"},
			expected: "password: pw_123",
		},
		{
			name:     "expand multiple env vars",
			input:    "user_id: ${TEST_GW_USER}\nauth_code: ${TEST_GW_AUTH}",
			envVars:  map[string]string{"TEST_GW_USER": "u1", "TEST_GW_AUTH": "a1"},
			expected: "user_id: u1\nauth_code: a1",
		},
		{
			name:     "missing env var returns empty string",
			input:    "password: ${TEST_GW_MISSING}",
			envVars:  map[string]string{},
			expected: "password: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

const futuresYAML = `app:
  name: "gw"
venues:
  fut:
    protocol: "futures"
    base_url: "http://127.0.0.1:8080"
    ws_url: "ws://127.0.0.1:8080/ws"
    broker_id: "9999"
    user_id: "${TEST_GW_USER}"
    password: "${TEST_GW_PASSWORD}"
    accounts: ["ACC1"]
    cancel_all_on_startup: true
    rate_limit: 10
system:
  log_level: "DEBUG"
`

func TestLoadConfigWithEnvVars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(futuresYAML), 0o600))

	t.Setenv("TEST_GW_USER", "trader")
	t.Setenv("TEST_GW_PASSWORD", "s3cret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	fut := cfg.Venues["fut"]
	assert.Equal(t, "trader", fut.UserID)
	assert.Equal(t, Secret("s3cret"), fut.Password)
	assert.True(t, fut.CancelAllOnStartup)
	assert.Equal(t, []string{"fut"}, cfg.App.ActiveVenues)
	assert.NotContains(t, cfg.Venues, "sim", "defaults must not leak venues into a file config")

	// untouched sections keep their defaults
	assert.Equal(t, 4096, cfg.Outbound.Buffer)
	assert.Equal(t, 20, cfg.Timing.WebsocketPingInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"unknown protocol", func(c *Config) {
			v := c.Venues["sim"]
			v.Protocol = "fix"
			c.Venues["sim"] = v
		}, "venues.sim.protocol"},
		{"no accounts", func(c *Config) {
			v := c.Venues["sim"]
			v.Accounts = nil
			c.Venues["sim"] = v
		}, "venues.sim.accounts"},
		{"networked venue without url", func(c *Config) {
			c.Venues["opt"] = VenueConfig{Protocol: ProtocolOptions, Accounts: []string{"A"}}
		}, "venues.opt.base_url"},
		{"active venue missing", func(c *Config) {
			c.App.ActiveVenues = []string{"nope"}
		}, "app.active_venues"},
		{"bad log level", func(c *Config) {
			c.System.LogLevel = "LOUD"
		}, "system.log_level"},
		{"bad reset clock", func(c *Config) {
			c.System.TradingDayReset = "25:99"
		}, "system.trading_day_reset"},
		{"kafka without topic", func(c *Config) {
			c.Outbound.Kafka.Brokers = []string{"127.0.0.1:9092"}
		}, "outbound.kafka.topic"},
		{"bad port", func(c *Config) {
			c.Telemetry.MetricsPort = 70000
		}, "telemetry.metrics_port"},
		{"sample ratio above one", func(c *Config) {
			c.Telemetry.TraceSampleRatio = 1.5
		}, "telemetry.trace_sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	require.NoError(t, DefaultConfig().Validate())
}

func TestSystemConfig_ResetClock(t *testing.T) {
	h, m, ok := SystemConfig{TradingDayReset: "15:30"}.ResetClock()
	require.True(t, ok)
	assert.Equal(t, 15, h)
	assert.Equal(t, 30, m)

	_, _, ok = SystemConfig{}.ResetClock()
	assert.False(t, ok)
}

func TestValidationError(t *testing.T) {
	var err error = ValidationError{Field: "f", Value: 1, Message: "bad"}
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "validation error for field 'f' (value: 1): bad", err.Error())
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Venues["fut"] = VenueConfig{
		Protocol:  ProtocolFutures,
		Password:  Secret("my_super_secret_password"),
		AuthCode:  Secret("my_super_secret_auth"),
		SecretKey: Secret("my_super_secret_hmac"),
	}
	cfg.Alerts.SlackWebhook = Secret("https://hooks.example/my_super_secret")

	output := cfg.String()
	assert.Contains(t, output, "[REDACTED]")
	assert.NotContains(t, output, "my_super_secret")
}

func TestLoadConfig_ShippedExample(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sim"}, cfg.App.ActiveVenues)
	assert.Equal(t, ProtocolSim, cfg.Venues["sim"].Protocol)
	assert.True(t, cfg.Outbound.Stream.Enabled)
	h, m, ok := cfg.System.ResetClock()
	require.True(t, ok)
	assert.Equal(t, 15, h)
	assert.Equal(t, 30, m)
}
