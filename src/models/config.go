package models

// MConfig Structure
type MConfig struct {
	Name       string            `yaml:"name"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	LogLevel   string            `yaml:"log_level"`
	GrpcHost   string            `yaml:"grpc_host"`
	GrpcPort   int               `yaml:"grpc_port"`
	Instrument MInstrumentConfig `yaml:"instrument"`
	Arbiter    MArbiterConfig    `yaml:"arbiter"`
	Telemetry  MTelemetryConfig  `yaml:"telemetry"`
	Storage    MStorageConfig    `yaml:"storage"`
}

type MInstrumentConfig struct {
	Address        string `yaml:"address"` // host:port of the SCPI socket
	MockMode       bool   `yaml:"mock_mode"`
	AutoConnect    bool   `yaml:"auto_connect"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	ConnectRetries int    `yaml:"connect_retries"`
	DefaultModule  int    `yaml:"default_module"`
	Channels       []int  `yaml:"channels"`
	MockLatencyMs  int    `yaml:"mock_latency_ms"`
}

type MArbiterConfig struct {
	MaxQueue          int `yaml:"max_queue"` // 0 = unbounded
	DefaultDeadlineMs int `yaml:"default_deadline_ms"`
	LatencyWindow     int `yaml:"latency_window"`
}

type MTelemetryConfig struct {
	SampleIntervalMs     int `yaml:"sample_interval_ms"`
	SampleDeadlineMs     int `yaml:"sample_deadline_ms"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_seconds"`
	SendTimeoutMs        int `yaml:"send_timeout_ms"`
	DegradeAfter         int `yaml:"degrade_after_failures"`
	MaxSendFailures      int `yaml:"max_send_failures"`
	MaxMissedAcks        int `yaml:"max_missed_acks"` // 0 disables ack tracking
	MaxClientIntervalMs  int `yaml:"max_client_interval_ms"`
	ReconnectAfterSec    int `yaml:"reconnect_after_seconds"`
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type"` // sqlite | postgres | none
	DBPath             string `yaml:"db_path"`
	DBConnectionString string `yaml:"db_connection_string"`
	RetentionDays      int    `yaml:"retention_days"`
	BatchSize          int    `yaml:"batch_size"`
}
