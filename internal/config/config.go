// Package config provides configuration management for the agent.
package config

import (
	"fmt"
	"strings"
	"time"

	"wsagent/internal/protocol"
)

// Config is the root configuration structure (Agent.json).
type Config struct {
	Connection ConnectionConfig `json:"Connection"`
	Worker     WorkerConfig     `json:"Worker"`
	Engine     EngineConfig     `json:"Engine"`
	Journal    JournalConfig    `json:"Journal"`
	Metrics    MetricsConfig    `json:"Metrics"`
}

// ConnectionConfig holds the boot-time connection parameters.
type ConnectionConfig struct {
	Address   string `json:"Address"`
	Port      int    `json:"Port"`
	Path      string `json:"Path"`
	AutoStart bool   `json:"AutoStart"` // issue SetParameters + Start at boot
}

// Parameters converts the section into protocol parameters.
func (c ConnectionConfig) Parameters() protocol.ConnectionParameters {
	return protocol.ConnectionParameters{
		Address: c.Address,
		Port:    c.Port,
		Path:    c.Path,
	}.Normalized()
}

// WorkerConfig tunes the worker loop and its queues.
type WorkerConfig struct {
	PollInterval     time.Duration `json:"PollInterval"`
	MaxPayloadBytes  int           `json:"MaxPayloadBytes"`
	OutboxSize       int           `json:"OutboxSize"`
	CommandQueueSize int           `json:"CommandQueueSize"`
	EventQueueSize   int           `json:"EventQueueSize"`
}

// EngineConfig selects and configures the connection engine.
type EngineConfig struct {
	Type         string        `json:"Type"` // "websocket", "redis" or "kafka"
	Timeout      time.Duration `json:"Timeout"`
	PingInterval time.Duration `json:"PingInterval"`
	ReadLimit    int64         `json:"ReadLimit"`
	TLS          TLSConfig     `json:"TLS"`
	SOCKSProxy   SOCKSConfig   `json:"SocksProxy"`
	Redis        RedisConfig   `json:"Redis"`
	Kafka        KafkaConfig   `json:"Kafka"`
}

// TLSConfig mirrors the CA/client certificate options of the transport.
type TLSConfig struct {
	Enabled            bool   `json:"Enabled"`
	CAFile             string `json:"CAFile"`
	CertFile           string `json:"CertFile"`
	KeyFile            string `json:"KeyFile"`
	InsecureSkipVerify bool   `json:"InsecureSkipVerify"`
}

// SOCKSConfig contains SOCKS5 proxy settings.
type SOCKSConfig struct {
	Host string `json:"Host"`
	Port int    `json:"Port"`
}

// RedisConfig contains settings for the Redis pub/sub engine.
type RedisConfig struct {
	Password string `json:"Password"`
	DB       int    `json:"DB"`
}

// KafkaConfig contains settings for the Kafka engine.
type KafkaConfig struct {
	Brokers       []string `json:"Brokers"` // empty: use Connection Address:Port
	Partition     int32    `json:"Partition"`
	Compression   string   `json:"Compression"`
	RequiredAcks  int      `json:"RequiredAcks"`
	MaxRetries    int      `json:"MaxRetries"`
	SASLEnabled   bool     `json:"SASLEnabled"`
	SASLMechanism string   `json:"SASLMechanism"`
	SASLUser      string   `json:"SASLUser"`
	SASLPassword  string   `json:"SASLPassword"`
}

// JournalConfig contains settings for the rotating event journal.
type JournalConfig struct {
	Enabled    bool   `json:"Enabled"`
	FilePath   string `json:"FilePath"`
	MaxSizeMB  int    `json:"MaxSizeMB"`
	MaxBackups int    `json:"MaxBackups"`
	Compress   bool   `json:"Compress"`
}

// MetricsConfig controls the Prometheus endpoint. Empty address disables it.
type MetricsConfig struct {
	ListenAddress string `json:"ListenAddress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Path: "/",
		},
		Worker: WorkerConfig{
			PollInterval:     50 * time.Millisecond,
			MaxPayloadBytes:  protocol.MaxPayloadBytes,
			OutboxSize:       64,
			CommandQueueSize: 128,
			EventQueueSize:   256,
		},
		Engine: EngineConfig{
			Type:      "websocket",
			Timeout:   10 * time.Second,
			ReadLimit: 32768,
			Kafka: KafkaConfig{
				Compression:  "snappy",
				RequiredAcks: 1,
				MaxRetries:   3,
			},
		},
		Journal: JournalConfig{
			FilePath:   "log/wsagent/events.jsonl",
			MaxSizeMB:  50,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// Merge applies non-zero values from other to this config.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Connection
	if other.Connection.Address != "" {
		c.Connection.Address = other.Connection.Address
	}
	if other.Connection.Port != 0 {
		c.Connection.Port = other.Connection.Port
	}
	if other.Connection.Path != "" {
		c.Connection.Path = other.Connection.Path
	}
	c.Connection.AutoStart = other.Connection.AutoStart

	// Worker
	if other.Worker.PollInterval != 0 {
		c.Worker.PollInterval = other.Worker.PollInterval
	}
	if other.Worker.MaxPayloadBytes != 0 {
		c.Worker.MaxPayloadBytes = other.Worker.MaxPayloadBytes
	}
	if other.Worker.OutboxSize != 0 {
		c.Worker.OutboxSize = other.Worker.OutboxSize
	}
	if other.Worker.CommandQueueSize != 0 {
		c.Worker.CommandQueueSize = other.Worker.CommandQueueSize
	}
	if other.Worker.EventQueueSize != 0 {
		c.Worker.EventQueueSize = other.Worker.EventQueueSize
	}

	// Engine
	if other.Engine.Type != "" {
		c.Engine.Type = other.Engine.Type
	}
	if other.Engine.Timeout != 0 {
		c.Engine.Timeout = other.Engine.Timeout
	}
	if other.Engine.PingInterval != 0 {
		c.Engine.PingInterval = other.Engine.PingInterval
	}
	if other.Engine.ReadLimit != 0 {
		c.Engine.ReadLimit = other.Engine.ReadLimit
	}
	c.Engine.TLS = other.Engine.TLS
	if other.Engine.SOCKSProxy.Host != "" {
		c.Engine.SOCKSProxy.Host = other.Engine.SOCKSProxy.Host
	}
	if other.Engine.SOCKSProxy.Port != 0 {
		c.Engine.SOCKSProxy.Port = other.Engine.SOCKSProxy.Port
	}
	if other.Engine.Redis.Password != "" {
		c.Engine.Redis.Password = other.Engine.Redis.Password
	}
	if other.Engine.Redis.DB != 0 {
		c.Engine.Redis.DB = other.Engine.Redis.DB
	}
	if len(other.Engine.Kafka.Brokers) > 0 {
		c.Engine.Kafka.Brokers = other.Engine.Kafka.Brokers
	}
	if other.Engine.Kafka.Partition != 0 {
		c.Engine.Kafka.Partition = other.Engine.Kafka.Partition
	}
	if other.Engine.Kafka.Compression != "" {
		c.Engine.Kafka.Compression = other.Engine.Kafka.Compression
	}
	if other.Engine.Kafka.RequiredAcks != 0 {
		c.Engine.Kafka.RequiredAcks = other.Engine.Kafka.RequiredAcks
	}
	if other.Engine.Kafka.MaxRetries != 0 {
		c.Engine.Kafka.MaxRetries = other.Engine.Kafka.MaxRetries
	}
	c.Engine.Kafka.SASLEnabled = other.Engine.Kafka.SASLEnabled
	if other.Engine.Kafka.SASLMechanism != "" {
		c.Engine.Kafka.SASLMechanism = other.Engine.Kafka.SASLMechanism
	}
	if other.Engine.Kafka.SASLUser != "" {
		c.Engine.Kafka.SASLUser = other.Engine.Kafka.SASLUser
	}
	if other.Engine.Kafka.SASLPassword != "" {
		c.Engine.Kafka.SASLPassword = other.Engine.Kafka.SASLPassword
	}

	// Journal
	c.Journal.Enabled = other.Journal.Enabled
	if other.Journal.FilePath != "" {
		c.Journal.FilePath = other.Journal.FilePath
	}
	if other.Journal.MaxSizeMB != 0 {
		c.Journal.MaxSizeMB = other.Journal.MaxSizeMB
	}
	if other.Journal.MaxBackups != 0 {
		c.Journal.MaxBackups = other.Journal.MaxBackups
	}
	c.Journal.Compress = other.Journal.Compress

	// Metrics
	if other.Metrics.ListenAddress != "" {
		c.Metrics.ListenAddress = other.Metrics.ListenAddress
	}
}

// Validate checks values that would otherwise fail deep inside the worker.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Engine.Type) {
	case "websocket", "redis", "kafka":
	default:
		return fmt.Errorf("unknown engine type: %s (supported: websocket, redis, kafka)", c.Engine.Type)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("Worker.PollInterval must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Worker.MaxPayloadBytes <= 0 || c.Worker.MaxPayloadBytes > protocol.MaxPayloadBytes {
		return fmt.Errorf("Worker.MaxPayloadBytes must be within 1..%d, got %d", protocol.MaxPayloadBytes, c.Worker.MaxPayloadBytes)
	}
	if c.Connection.Port < 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("Connection.Port out of range: %d", c.Connection.Port)
	}
	if c.Connection.AutoStart {
		if err := c.Connection.Parameters().Validate(); err != nil {
			return fmt.Errorf("Connection: %w", err)
		}
	}
	return nil
}
