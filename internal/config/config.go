package config

import (
	"time"
)

// Default contract deployment the client talks to.
const (
	DefaultAnalyticsContract = "0x25874Dd2dE546eF0D9c0D247Ea6CA0AF1F362941"
	DefaultPaymaster         = "0x487316eff97A1F71dd1779FEb5D1265a5C0E11aD"
	DefaultGasLimit          = 1_000_000
)

type Config struct {
	Env        string       `yaml:"env" env:"APP_ENV"`
	Port       int          `yaml:"port" env:"PORT"`
	AppID      string       `yaml:"app_id" env:"APP_ID"`
	JSONRPCURL string       `yaml:"json_rpc_url" env:"JSON_RPC_URL"`
	LogLevel   string       `yaml:"log_level" env:"LOG_LEVEL"`
	Logger     LoggerConfig `yaml:"logger"`

	Contracts ContractsConfig `yaml:"contracts"`
	Relay     RelayConfig     `yaml:"relay"`
	Storage   StorageConfig   `yaml:"storage"`
	DocStore  DocStoreConfig  `yaml:"docstore"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Ingest    IngestConfig    `yaml:"ingest"`

	KMS struct {
		KeyID             string            `yaml:"key_id" env:"KMS_KEY_ID"`
		TimeoutMS         int               `yaml:"timeout_ms" env:"KMS_TIMEOUT_MS"`
		EncryptionContext map[string]string `yaml:"encryption_context"`
	} `yaml:"kms"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type ContractsConfig struct {
	Analytics string `yaml:"analytics"`
	Paymaster string `yaml:"paymaster"`
	Forwarder string `yaml:"forwarder"`
}

type RelayConfig struct {
	URL            string        `yaml:"url"`
	GasLimit       uint64        `yaml:"gas_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConfirmPoll    time.Duration `yaml:"confirm_poll"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	ValidFor       time.Duration `yaml:"valid_for"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver"` // "file" or "redis"
	Path      string `yaml:"path"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DocStoreConfig struct {
	Driver       string        `yaml:"driver"` // "postgres" or "memory"
	DatabaseURL  string        `yaml:"database_url"`
	EnsureSchema bool          `yaml:"ensure_schema"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

type DeliveryConfig struct {
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// IngestConfig shapes the agent's HTTP ingest API.
type IngestConfig struct {
	MaxBodyBytes          int64         `yaml:"max_body_bytes"`
	RatePerInterval       int           `yaml:"rate_per_interval"`
	Interval              time.Duration `yaml:"interval"`
	Burst                 int           `yaml:"burst"`
	RedisRateLimit        bool          `yaml:"redis_rate_limit"`
	TrustedProxyIPHeaders []string      `yaml:"trusted_proxy_ip_headers"`
	TrustedProxyCIDRs     []string      `yaml:"trusted_proxy_cidrs"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

type TelemetryConfig struct {
	Kafka KafkaAuditRootConfig `yaml:"kafka"`
}

type KafkaAuditRootConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Brokers           []string      `yaml:"brokers"`
	TopicDelivery     string        `yaml:"topic_delivery"`
	TopicRegistration string        `yaml:"topic_registration"`
	TopicIngest       string        `yaml:"topic_ingest"`
	BatchSize         int           `yaml:"batch_size"`
	FlushEvery        time.Duration `yaml:"flush_every"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	TLS               bool          `yaml:"tls"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
}

// ApplyDefaults fills every optional field left empty by the YAML file.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8787
	}
	if c.LogLevel == "" {
		c.LogLevel = c.Logger.Level
	}
	if c.LogLevel == "" {
		c.LogLevel = "error"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "console"
	}
	if c.Contracts.Analytics == "" {
		c.Contracts.Analytics = DefaultAnalyticsContract
	}
	if c.Contracts.Paymaster == "" {
		c.Contracts.Paymaster = DefaultPaymaster
	}
	if c.Relay.GasLimit == 0 {
		c.Relay.GasLimit = DefaultGasLimit
	}
	if c.Relay.RequestTimeout <= 0 {
		c.Relay.RequestTimeout = 15 * time.Second
	}
	if c.Relay.ConfirmPoll <= 0 {
		c.Relay.ConfirmPoll = 2 * time.Second
	}
	if c.Relay.ConfirmTimeout <= 0 {
		c.Relay.ConfirmTimeout = 5 * time.Minute
	}
	if c.Relay.ValidFor <= 0 {
		c.Relay.ValidFor = 48 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "web3analytics.json"
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "web3analytics:"
	}
	if c.DocStore.Driver == "" {
		c.DocStore.Driver = "memory"
	}
	if c.DocStore.MaxOpenConns == 0 {
		c.DocStore.MaxOpenConns = 10
	}
	if c.DocStore.ConnLifetime <= 0 {
		c.DocStore.ConnLifetime = 5 * time.Minute
	}
	if c.Delivery.FlushTimeout <= 0 {
		c.Delivery.FlushTimeout = 10 * time.Second
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		c.Ingest.MaxBodyBytes = 1 << 20
	}
	if c.Ingest.Interval <= 0 {
		c.Ingest.Interval = time.Second
	}
	if c.Ingest.ShutdownTimeout <= 0 {
		c.Ingest.ShutdownTimeout = 15 * time.Second
	}
}
