package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"mra/internal/aggregator"
	"mra/internal/bucket"
	"mra/internal/state"
)

// Config holds the settings of rollupd and rollupctl. Every field is read
// from ROLLUP_<KEY> or from config.yaml.
type Config struct {
	Env      string `mapstructure:"ENV" validate:"required"`
	HTTPAddr string `mapstructure:"HTTP_ADDR" validate:"required"`

	StateBackend   string `mapstructure:"STATE_BACKEND" validate:"oneof=memory pebble badger redis"`
	StateDir       string `mapstructure:"STATE_DIR" validate:"required_if=StateBackend pebble,required_if=StateBackend badger"`
	RedisAddr      string `mapstructure:"REDIS_ADDR" validate:"required_if=StateBackend redis"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB" validate:"min=0"`
	RedisNamespace string `mapstructure:"REDIS_NAMESPACE"`

	Granularities string `mapstructure:"GRANULARITIES" validate:"required"`

	MaxAttempts  int           `mapstructure:"MAX_ATTEMPTS" validate:"min=1,max=100"`
	BaseBackoff  time.Duration `mapstructure:"BASE_BACKOFF" validate:"required"`
	MaxBackoff   time.Duration `mapstructure:"MAX_BACKOFF" validate:"required,gtefield=BaseBackoff"`
	EventTimeout time.Duration `mapstructure:"EVENT_TIMEOUT" validate:"required"`

	KafkaBrokers       string `mapstructure:"KAFKA_BROKERS"`
	KafkaInputTopic    string `mapstructure:"KAFKA_INPUT_TOPIC" validate:"required_with=KafkaBrokers"`
	KafkaDLQTopic      string `mapstructure:"KAFKA_DLQ_TOPIC" validate:"required_with=KafkaBrokers"`
	KafkaConsumerGroup string `mapstructure:"KAFKA_CONSUMER_GROUP" validate:"required_with=KafkaBrokers"`
	KafkaPartitions    int    `mapstructure:"KAFKA_PARTITIONS" validate:"min=1"`
	MaxConcurrentJobs  int    `mapstructure:"MAX_CONCURRENT_JOBS" validate:"min=1"`
	MaxRequeues        int    `mapstructure:"MAX_REQUEUES" validate:"min=0"`

	ChangelogDir   string `mapstructure:"CHANGELOG_DIR"`
	ChangelogFile  string `mapstructure:"CHANGELOG_FILE" validate:"required_with=ChangelogDir"`
	ChangelogTopic string `mapstructure:"CHANGELOG_TOPIC"`

	SnapshotDir    string `mapstructure:"SNAPSHOT_DIR"`
	ManifestDir    string `mapstructure:"MANIFEST_DIR"`
	ManifestTopic  string `mapstructure:"MANIFEST_TOPIC"`
	RestoreOnStart bool   `mapstructure:"RESTORE_ON_START"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "production")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STATE_BACKEND", "pebble")
	v.SetDefault("STATE_DIR", "./data/state")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_NAMESPACE", "rollup:")
	v.SetDefault("GRANULARITIES", "hourly,daily")
	v.SetDefault("MAX_ATTEMPTS", 8)
	v.SetDefault("BASE_BACKOFF", "5ms")
	v.SetDefault("MAX_BACKOFF", "250ms")
	v.SetDefault("EVENT_TIMEOUT", "10s")
	v.SetDefault("KAFKA_INPUT_TOPIC", "orders")
	v.SetDefault("KAFKA_DLQ_TOPIC", "orders.dlq")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "rollupd")
	v.SetDefault("KAFKA_PARTITIONS", 4)
	v.SetDefault("MAX_CONCURRENT_JOBS", 16)
	v.SetDefault("MAX_REQUEUES", 5)
	v.SetDefault("CHANGELOG_FILE", "changelog.jsonl")
	v.SetDefault("SNAPSHOT_DIR", "./data/snapshots")
	v.SetDefault("MANIFEST_DIR", "./data/snapshots")
}

// Load reads configuration from the environment and an optional config.yaml
// in the working directory or ./config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("ROLLUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		if err := v.BindEnv(t.Field(i).Tag.Get("mapstructure")); err != nil {
			return nil, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.GranularityList(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GranularityList parses the comma-separated Granularities setting.
func (c *Config) GranularityList() ([]bucket.Granularity, error) {
	var out []bucket.Granularity
	for _, s := range strings.Split(c.Granularities, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		g := bucket.Granularity(s)
		if !g.Valid() {
			return nil, fmt.Errorf("invalid config: unknown granularity %q", s)
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, errors.New("invalid config: no granularities")
	}
	return out, nil
}

// AggregatorOptions maps the retry settings onto the coordinator.
func (c *Config) AggregatorOptions() aggregator.Options {
	return aggregator.Options{
		MaxAttempts:  c.MaxAttempts,
		BaseBackoff:  c.BaseBackoff,
		MaxBackoff:   c.MaxBackoff,
		EventTimeout: c.EventTimeout,
	}
}

// StateOptions maps the backend settings onto state.Open.
func (c *Config) StateOptions() state.Options {
	return state.Options{
		Backend:        c.StateBackend,
		Dir:            c.StateDir,
		RedisAddr:      c.RedisAddr,
		RedisPassword:  c.RedisPassword,
		RedisDB:        c.RedisDB,
		RedisNamespace: c.RedisNamespace,
	}
}
