package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"instrument-gateway/src/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: bench-gateway
port: 9002
instrument:
  address: 10.0.0.5:5025
telemetry:
  sample_interval_ms: 200
`)

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "bench-gateway", cfg.Name)
	assert.Equal(t, 9002, cfg.Port)
	assert.Equal(t, "10.0.0.5:5025", cfg.Instrument.Address)
	assert.Equal(t, 200*time.Millisecond, cfg.SampleInterval())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 120*time.Second, cfg.InstrumentTimeout())
	assert.Equal(t, []int{1, 2, 3, 4}, cfg.Instrument.Channels)
	assert.Equal(t, "sqlite", cfg.Storage.DBType)
	assert.Equal(t, 0, cfg.Telemetry.MaxMissedAcks)
	assert.Equal(t, 0, cfg.Arbiter.MaxQueue)
}

func TestNewConfigMissingFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var cfgErr *helpers.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewConfigRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "port: [not, a, number")
	_, err := NewConfig(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"privileged port", func(c *Config) { c.Port = 80 }, false},
		{"degrade above close threshold", func(c *Config) {
			c.Telemetry.DegradeAfter = 20
			c.Telemetry.MaxSendFailures = 10
		}, false},
		{"client interval below sample interval", func(c *Config) {
			c.Telemetry.MaxClientIntervalMs = 50
		}, false},
		{"negative queue", func(c *Config) { c.Arbiter.MaxQueue = -1 }, false},
		{"postgres without dsn", func(c *Config) { c.Storage.DBType = "postgres" }, false},
		{"journal disabled", func(c *Config) { c.Storage.DBType = "none" }, true},
		{"unknown journal", func(c *Config) { c.Storage.DBType = "mongo" }, false},
		{"mock without address", func(c *Config) {
			c.Instrument.MockMode = true
			c.Instrument.Address = ""
		}, true},
		{"real without address", func(c *Config) { c.Instrument.Address = "" }, false},
		{"zero channel", func(c *Config) { c.Instrument.Channels = []int{1, 0} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	c := Default()
	c.Name = "saved"
	c.Telemetry.MaxMissedAcks = 2

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, c.Save(path))

	loaded, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.Name)
	assert.Equal(t, 2, loaded.Telemetry.MaxMissedAcks)
}
