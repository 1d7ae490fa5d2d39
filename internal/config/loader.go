package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"wsagent/internal/logger"
)

// rawConfig is used for JSON unmarshaling with duration strings.
type rawConfig struct {
	Connection ConnectionConfig `json:"Connection"`
	Worker     rawWorkerConfig  `json:"Worker"`
	Engine     rawEngineConfig  `json:"Engine"`
	Journal    JournalConfig    `json:"Journal"`
	Metrics    MetricsConfig    `json:"Metrics"`
}

type rawWorkerConfig struct {
	PollInterval     string `json:"PollInterval"`
	MaxPayloadBytes  int    `json:"MaxPayloadBytes"`
	OutboxSize       int    `json:"OutboxSize"`
	CommandQueueSize int    `json:"CommandQueueSize"`
	EventQueueSize   int    `json:"EventQueueSize"`
}

type rawEngineConfig struct {
	Type         string      `json:"Type"`
	Timeout      string      `json:"Timeout"`
	PingInterval string      `json:"PingInterval"`
	ReadLimit    int64       `json:"ReadLimit"`
	TLS          TLSConfig   `json:"TLS"`
	SOCKSProxy   SOCKSConfig `json:"SocksProxy"`
	Redis        RedisConfig `json:"Redis"`
	Kafka        KafkaConfig `json:"Kafka"`
}

type rawLoggingConfig struct {
	Level      string `json:"Level"`
	FilePath   string `json:"FilePath"`
	MaxSizeMB  int    `json:"MaxSizeMB"`
	MaxBackups int    `json:"MaxBackups"`
	MaxAgeDays int    `json:"MaxAgeDays"`
	Compress   bool   `json:"Compress"`
	Console    bool   `json:"Console"`
	Format     string `json:"Format"`
}

// Load reads configuration from the specified file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from JSON bytes.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg := DefaultConfig()
	parsed, err := convertRawConfig(&raw)
	if err != nil {
		return nil, err
	}

	cfg.Merge(parsed)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func convertRawConfig(raw *rawConfig) (*Config, error) {
	cfg := &Config{
		Connection: raw.Connection,
		Journal:    raw.Journal,
		Metrics:    raw.Metrics,
		Worker: WorkerConfig{
			MaxPayloadBytes:  raw.Worker.MaxPayloadBytes,
			OutboxSize:       raw.Worker.OutboxSize,
			CommandQueueSize: raw.Worker.CommandQueueSize,
			EventQueueSize:   raw.Worker.EventQueueSize,
		},
		Engine: EngineConfig{
			Type:       raw.Engine.Type,
			ReadLimit:  raw.Engine.ReadLimit,
			TLS:        raw.Engine.TLS,
			SOCKSProxy: raw.Engine.SOCKSProxy,
			Redis:      raw.Engine.Redis,
			Kafka:      raw.Engine.Kafka,
		},
	}

	var err error
	if cfg.Worker.PollInterval, err = parseDuration("Worker.PollInterval", raw.Worker.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Engine.Timeout, err = parseDuration("Engine.Timeout", raw.Engine.Timeout); err != nil {
		return nil, err
	}
	if cfg.Engine.PingInterval, err = parseDuration("Engine.PingInterval", raw.Engine.PingInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	return d, nil
}

func convertRawLogging(raw *rawLoggingConfig) logger.Config {
	return logger.Config{
		Level:      raw.Level,
		FilePath:   raw.FilePath,
		MaxSizeMB:  raw.MaxSizeMB,
		MaxBackups: raw.MaxBackups,
		MaxAgeDays: raw.MaxAgeDays,
		Compress:   raw.Compress,
		Console:    raw.Console,
		Format:     raw.Format,
	}
}

// LoadLogging reads logging configuration from the specified file path.
func LoadLogging(path string) (*logger.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read logging config file: %w", err)
	}
	return ParseLogging(data)
}

// ParseLogging parses logging configuration from JSON bytes.
func ParseLogging(data []byte) (*logger.Config, error) {
	var raw rawLoggingConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse logging config JSON: %w", err)
	}

	def := logger.DefaultConfig()
	parsed := convertRawLogging(&raw)

	// Merge: apply non-zero parsed values over defaults
	if parsed.Level != "" {
		def.Level = parsed.Level
	}
	if parsed.FilePath != "" {
		def.FilePath = parsed.FilePath
	}
	if parsed.MaxSizeMB != 0 {
		def.MaxSizeMB = parsed.MaxSizeMB
	}
	if parsed.MaxBackups != 0 {
		def.MaxBackups = parsed.MaxBackups
	}
	if parsed.MaxAgeDays != 0 {
		def.MaxAgeDays = parsed.MaxAgeDays
	}
	if parsed.Format != "" {
		def.Format = parsed.Format
	}
	def.Compress = parsed.Compress
	def.Console = parsed.Console

	return &def, nil
}

// LoadSplit loads configuration from Agent.json and Logging.json.
func LoadSplit(configPath, loggingPath string) (*Config, *logger.Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	lc, err := LoadLogging(loggingPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load logging config: %w", err)
	}

	return cfg, lc, nil
}
