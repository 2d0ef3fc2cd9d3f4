package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type QueueConfig struct {
	Driver            string        `mapstructure:"driver"`
	Redis             RedisConfig   `mapstructure:"redis"`
	Consumers         int           `mapstructure:"consumers"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"`
	PollBackoff       time.Duration `mapstructure:"poll_backoff"`
}

type RedisConfig struct {
	URL              string `mapstructure:"url"`
	Stream           string `mapstructure:"stream"`
	Group            string `mapstructure:"group"`
	Consumer         string `mapstructure:"consumer"`
	DeadLetterStream string `mapstructure:"dead_letter_stream"`
}

type OrchestratorConfig struct {
	PollInterval  time.Duration   `mapstructure:"poll_interval"`
	MaxInstances  int             `mapstructure:"max_instances"`
	MaxParallel   int             `mapstructure:"max_parallel"`
	Lease         time.Duration   `mapstructure:"lease"`
	MaxAttempts   int             `mapstructure:"max_attempts"`
	RetrySchedule []time.Duration `mapstructure:"retry_schedule"`
}

type DeliveryConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	SigningSecret string        `mapstructure:"signing_secret"`
	UserAgent     string        `mapstructure:"user_agent"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fanrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fanrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("FANRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/fanrelay.db")
	v.SetDefault("storage.postgres.dsn", "")

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.stream", "webhooktriggerqueue")
	v.SetDefault("queue.redis.group", "fanrelay")
	v.SetDefault("queue.redis.consumer", "")
	v.SetDefault("queue.redis.dead_letter_stream", "webhooktriggerqueue:deadletter")
	v.SetDefault("queue.consumers", 4)
	v.SetDefault("queue.visibility_timeout", 60*time.Second)
	v.SetDefault("queue.block_timeout", 5*time.Second)
	v.SetDefault("queue.max_deliveries", 10)
	v.SetDefault("queue.poll_backoff", 2*time.Second)

	v.SetDefault("orchestrator.poll_interval", 1*time.Second)
	v.SetDefault("orchestrator.max_instances", 16)
	v.SetDefault("orchestrator.max_parallel", 0)
	v.SetDefault("orchestrator.lease", 5*time.Minute)
	v.SetDefault("orchestrator.max_attempts", 5)
	v.SetDefault("orchestrator.retry_schedule", []time.Duration{
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
	})

	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.rate_limit", 0)
	v.SetDefault("delivery.burst", 1)
	v.SetDefault("delivery.signing_secret", "")
	v.SetDefault("delivery.user_agent", "FanRelay/1.0")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
