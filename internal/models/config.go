package models

// ConfigError reports an invalid or incomplete configuration.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

type StoreConfig struct {
	BaseURL    string `json:"baseUrl"`
	APIKey     string `json:"apiKey"`
	TimeoutSec int    `json:"timeoutSec"`
}

type RealtimeConfig struct {
	URL              string `json:"url"`
	APIKey           string `json:"apiKey"`
	HeartbeatSec     int    `json:"heartbeatSec"`
	JoinTimeoutSec   int    `json:"joinTimeoutSec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type OutboxConfig struct {
	MaxEntries    int `json:"maxEntries"`
	EvictBatch    int `json:"evictBatch"`
	ResendDelayMs int `json:"resendDelayMs"`
}

type NetworkConfig struct {
	ProbeURL         string `json:"probeUrl"`
	ProbeIntervalSec int    `json:"probeIntervalSec"`
}

type PresenceConfig struct {
	ReconcileIntervalSec int `json:"reconcileIntervalSec"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	OTLPEndpoint string  `json:"otlpEndpoint"`
	UseStdout    bool    `json:"useStdout"`
	SampleRate   float64 `json:"sampleRate"`
}

type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
}

type Config struct {
	Store    StoreConfig    `json:"store"`
	Realtime RealtimeConfig `json:"realtime"`
	Database DatabaseConfig `json:"database"`
	Retry    RetryConfig    `json:"retry"`
	Outbox   OutboxConfig   `json:"outbox"`
	Network  NetworkConfig  `json:"network"`
	Presence PresenceConfig `json:"presence"`
	Tracing  TracingConfig  `json:"tracing"`
	Server   ServerConfig   `json:"server"`
	LogLevel string         `json:"logLevel"`
}
