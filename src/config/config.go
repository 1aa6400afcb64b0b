package config

import (
	"fmt"
	"os"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

const (
	DefaultPort                 = 8002
	DefaultGrpcPort             = 50051
	DefaultInstrumentAddress    = "192.168.1.37:5025"
	DefaultInstrumentTimeoutMs  = 120000
	DefaultConnectRetries       = 3
	DefaultModule               = 4
	DefaultArbiterDeadlineMs    = 5000
	DefaultLatencyWindow        = 256
	DefaultSampleIntervalMs     = 100
	DefaultSampleDeadlineMs     = 1000
	DefaultHeartbeatIntervalSec = 30
	DefaultSendTimeoutMs        = 1000
	DefaultDegradeAfter         = 3
	DefaultMaxSendFailures      = 10
	DefaultMaxClientIntervalMs  = 10000
	DefaultReconnectAfterSec    = 5
	DefaultRetentionDays        = 7
	DefaultBatchSize            = 100
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig loads a YAML file, fills unset keys with defaults and validates the result.
func NewConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, helpers.NewConfigurationError(fmt.Sprintf("failed to read config file '%s'", configPath), err)
	}

	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, helpers.NewConfigurationError("failed to parse config from YAML", err)
	}

	config := &Config{MConfig: &modelConfig}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, helpers.NewConfigurationError("config validation failed", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// Default returns a complete configuration without reading any file.
func Default() *Config {
	c := &Config{MConfig: &models.MConfig{}}
	c.ApplyDefaults()
	return c
}

// -----------------------------------------------------------------------------

// ApplyDefaults fills every zero-valued key. MaxQueue and MaxMissedAcks keep
// zero since it means "disabled" for them.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "instrument-gateway"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.GrpcHost == "" {
		c.GrpcHost = "127.0.0.1"
	}
	if c.GrpcPort == 0 {
		c.GrpcPort = DefaultGrpcPort
	}

	in := &c.Instrument
	if in.Address == "" {
		in.Address = DefaultInstrumentAddress
	}
	if in.TimeoutMs == 0 {
		in.TimeoutMs = DefaultInstrumentTimeoutMs
	}
	if in.ConnectRetries == 0 {
		in.ConnectRetries = DefaultConnectRetries
	}
	if in.DefaultModule == 0 {
		in.DefaultModule = DefaultModule
	}
	if len(in.Channels) == 0 {
		in.Channels = []int{1, 2, 3, 4}
	}

	ar := &c.Arbiter
	if ar.DefaultDeadlineMs == 0 {
		ar.DefaultDeadlineMs = DefaultArbiterDeadlineMs
	}
	if ar.LatencyWindow == 0 {
		ar.LatencyWindow = DefaultLatencyWindow
	}

	tm := &c.Telemetry
	if tm.SampleIntervalMs == 0 {
		tm.SampleIntervalMs = DefaultSampleIntervalMs
	}
	if tm.SampleDeadlineMs == 0 {
		tm.SampleDeadlineMs = DefaultSampleDeadlineMs
	}
	if tm.HeartbeatIntervalSec == 0 {
		tm.HeartbeatIntervalSec = DefaultHeartbeatIntervalSec
	}
	if tm.SendTimeoutMs == 0 {
		tm.SendTimeoutMs = DefaultSendTimeoutMs
	}
	if tm.DegradeAfter == 0 {
		tm.DegradeAfter = DefaultDegradeAfter
	}
	if tm.MaxSendFailures == 0 {
		tm.MaxSendFailures = DefaultMaxSendFailures
	}
	if tm.MaxClientIntervalMs == 0 {
		tm.MaxClientIntervalMs = DefaultMaxClientIntervalMs
	}
	if tm.ReconnectAfterSec == 0 {
		tm.ReconnectAfterSec = DefaultReconnectAfterSec
	}

	st := &c.Storage
	if st.DBType == "" {
		st.DBType = "sqlite"
	}
	if st.DBType == "sqlite" && st.DBPath == "" {
		st.DBPath = "gateway_journal.db"
	}
	if st.RetentionDays == 0 {
		st.RetentionDays = DefaultRetentionDays
	}
	if st.BatchSize == 0 {
		st.BatchSize = DefaultBatchSize
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort < 0 || c.GrpcPort > 65535 {
		return fmt.Errorf("invalid grpc port number: %d", c.GrpcPort)
	}

	// Instrument
	if !c.Instrument.MockMode && c.Instrument.Address == "" {
		return fmt.Errorf("instrument address cannot be empty outside mock mode")
	}
	if c.Instrument.TimeoutMs <= 0 {
		return fmt.Errorf("instrument timeout must be greater than 0")
	}
	if c.Instrument.ConnectRetries < 0 {
		return fmt.Errorf("connect retries cannot be negative")
	}
	if c.Instrument.DefaultModule <= 0 {
		return fmt.Errorf("default module must be greater than 0")
	}
	for _, ch := range c.Instrument.Channels {
		if ch <= 0 {
			return fmt.Errorf("invalid detector channel %d", ch)
		}
	}

	// Arbiter
	if c.Arbiter.MaxQueue < 0 {
		return fmt.Errorf("arbiter max queue cannot be negative")
	}
	if c.Arbiter.DefaultDeadlineMs <= 0 {
		return fmt.Errorf("arbiter default deadline must be greater than 0")
	}

	// Telemetry
	t := c.Telemetry
	if t.SampleIntervalMs <= 0 {
		return fmt.Errorf("sample interval must be greater than 0")
	}
	if t.SampleDeadlineMs <= 0 {
		return fmt.Errorf("sample deadline must be greater than 0")
	}
	if t.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("heartbeat interval must be greater than 0")
	}
	if t.SendTimeoutMs <= 0 {
		return fmt.Errorf("send timeout must be greater than 0")
	}
	if t.MaxSendFailures <= 0 {
		return fmt.Errorf("max send failures must be greater than 0")
	}
	if t.DegradeAfter <= 0 || t.DegradeAfter > t.MaxSendFailures {
		return fmt.Errorf("degrade threshold %d must be in [1, %d]", t.DegradeAfter, t.MaxSendFailures)
	}
	if t.MaxMissedAcks < 0 {
		return fmt.Errorf("max missed acks cannot be negative")
	}
	if t.MaxClientIntervalMs < t.SampleIntervalMs {
		return fmt.Errorf("max client interval %dms is below the sample interval %dms", t.MaxClientIntervalMs, t.SampleIntervalMs)
	}

	// Storage
	switch c.Storage.DBType {
	case "none":
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %q", c.Storage.DBType)
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be greater than 0")
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}

// -----------------------------------------------------------------------------
// Duration accessors
// -----------------------------------------------------------------------------

func (c *Config) InstrumentTimeout() time.Duration {
	return time.Duration(c.Instrument.TimeoutMs) * time.Millisecond
}

func (c *Config) ArbiterDeadline() time.Duration {
	return time.Duration(c.Arbiter.DefaultDeadlineMs) * time.Millisecond
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Telemetry.SampleIntervalMs) * time.Millisecond
}

func (c *Config) SampleDeadline() time.Duration {
	return time.Duration(c.Telemetry.SampleDeadlineMs) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Telemetry.HeartbeatIntervalSec) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Telemetry.SendTimeoutMs) * time.Millisecond
}

func (c *Config) MaxClientInterval() time.Duration {
	return time.Duration(c.Telemetry.MaxClientIntervalMs) * time.Millisecond
}
