package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/pastiche/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment" yaml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server" yaml:"server"`
	Redis       RedisConfig       `toml:"redis" yaml:"redis"`
	Queue       QueueConfig       `toml:"queue" yaml:"queue"`
	PubSub      PubSubConfig      `toml:"pubsub" yaml:"pubsub"`
	Storage     StorageConfig     `toml:"storage" yaml:"storage"`
	Stylize     StylizeConfig     `toml:"stylize" yaml:"stylize"`
	Submit      SubmitConfig      `toml:"submit" yaml:"submit"`
	Maintenance MaintenanceConfig `toml:"maintenance" yaml:"maintenance"`
	WebSocket   WebSocketConfig   `toml:"websocket" yaml:"websocket"`
	Logging     LoggingConfig     `toml:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host" yaml:"host"`
}

// RedisConfig is shared by the redis broker and the redis pub/sub transport
type RedisConfig struct {
	URL string `toml:"url" yaml:"url" validate:"required"` // e.g. redis://localhost:6379/0 (REDIS_URL overrides)
}

type QueueConfig struct {
	Backend      string `toml:"backend" yaml:"backend" validate:"oneof=badger redis"` // Broker backend
	Concurrency  int    `toml:"concurrency" yaml:"concurrency" validate:"gte=1"`      // Worker slots
	PollInterval string `toml:"poll_interval" yaml:"poll_interval"`                   // Max idle backoff, e.g. "1s"
	QueueName    string `toml:"queue_name" yaml:"queue_name" validate:"required"`     // Key prefix in the broker
}

type PubSubConfig struct {
	Backend    string `toml:"backend" yaml:"backend" validate:"oneof=memory redis"`
	BufferSize int    `toml:"buffer_size" yaml:"buffer_size" validate:"gte=1"` // Per-subscriber buffer
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger" yaml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem" yaml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" yaml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup" yaml:"reset_on_startup"`
}

// FilesystemConfig holds the upload and output directories. Both are wiped at startup.
type FilesystemConfig struct {
	Uploads string `toml:"uploads" yaml:"uploads" validate:"required"`
	Outputs string `toml:"outputs" yaml:"outputs" validate:"required"`
}

type StylizeConfig struct {
	Defaults  models.JobParams `toml:"defaults" yaml:"defaults"`
	ImageSize int              `toml:"image_size" yaml:"image_size" validate:"gte=16,lte=4096"`
	Quality   int              `toml:"quality" yaml:"quality" validate:"gte=1,lte=100"` // JPEG quality
}

type SubmitConfig struct {
	RatePerSecond float64 `toml:"rate_per_second" yaml:"rate_per_second" validate:"gte=0"` // 0 disables limiting
	Burst         int     `toml:"burst" yaml:"burst" validate:"gte=0"`
	MaxUploadMB   int     `toml:"max_upload_mb" yaml:"max_upload_mb" validate:"gte=1"`
}

type MaintenanceConfig struct {
	Schedule        string `toml:"schedule" yaml:"schedule"`                 // Cron schedule, e.g. "@every 1m"
	StatusRetention string `toml:"status_retention" yaml:"status_retention"` // e.g. "24h"
}

// WebSocketConfig contains configuration for the live status relay
type WebSocketConfig struct {
	PingInterval string `toml:"ping_interval" yaml:"ping_interval"`
	WriteTimeout string `toml:"write_timeout" yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output" yaml:"output"`           // "stdout", "file"
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // default "15:04:05"
	Dir        string   `toml:"dir" yaml:"dir"`                 // Log directory (default: ./logs next to executable)
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8000,
			Host: "localhost",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Queue: QueueConfig{
			Backend:      "redis",
			Concurrency:  2,
			PollInterval: "1s",
			QueueName:    "pastiche_jobs",
		},
		PubSub: PubSubConfig{
			Backend:    "redis",
			BufferSize: 256,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Filesystem: FilesystemConfig{
				Uploads: "./uploads",
				Outputs: "./outputs",
			},
		},
		Stylize: StylizeConfig{
			Defaults: models.JobParams{
				LearningRate: 0.001,
				Epochs:       50,
				Alpha:        1,
				Beta:         0.01,
			},
			ImageSize: 512,
			Quality:   90,
		},
		Submit: SubmitConfig{
			RatePerSecond: 2,
			Burst:         5,
			MaxUploadMB:   20,
		},
		Maintenance: MaintenanceConfig{
			Schedule:        "@every 1m",
			StatusRetention: "24h",
		},
		WebSocket: WebSocketConfig{
			PingInterval: "30s",
			WriteTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal merges into existing values, later files override
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PASTICHE_ENV"); env != "" {
		config.Environment = env
	}

	// REDIS_URL is kept un-prefixed for compatibility with existing deployments
	if url := os.Getenv("REDIS_URL"); url != "" {
		config.Redis.URL = url
	}

	if port := os.Getenv("PASTICHE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PASTICHE_HOST"); host != "" {
		config.Server.Host = host
	}

	if concurrency := os.Getenv("PASTICHE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if backend := os.Getenv("PASTICHE_BROKER"); backend != "" {
		config.Queue.Backend = backend
	}
	if backend := os.Getenv("PASTICHE_PUBSUB"); backend != "" {
		config.PubSub.Backend = backend
	}

	if badgerPath := os.Getenv("PASTICHE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("PASTICHE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

var configValidator = validator.New()

// Validate checks struct constraints plus the duration and cron strings.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.poll_interval":          c.Queue.PollInterval,
		"maintenance.status_retention": c.Maintenance.StatusRetention,
		"websocket.ping_interval":      c.WebSocket.PingInterval,
		"websocket.write_timeout":      c.WebSocket.WriteTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s=%q: %w", key, value, err)
		}
	}

	if c.Maintenance.Schedule != "" {
		if err := ValidateSchedule(c.Maintenance.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSchedule checks a cron expression (standard 5-field or descriptor such as "@every 1m")
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// ParseDuration parses s, falling back to def when s is empty or malformed.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
