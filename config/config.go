package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"tradefeatures/internal/feature"
	"tradefeatures/internal/logger"
	"tradefeatures/internal/marketdata/rule"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFeatures is used when no feature list is configured.
var DefaultFeatures = []string{
	"Open", "High", "Low", "Close", "Volume",
	"AveragePrice", "WeightedPrice", "NumTrades",
	"DirectionalTradeRatio", "DirectionalVolumeRatio",
	"StdDevPrices", "StdDevSizes", "LastSpread", "AvgSpread",
	"DirectionalTradeEntropy", "DirectionalVolumeEntropy", "TimeVelocity",
}

// Config holds all application configuration.
// Precedence: struct defaults < YAML file < environment variables.
type Config struct {
	Service  string `yaml:"service" default:"featengine" validate:"required"`
	LogLevel string `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`

	// Feature pipeline
	Features      []string      `yaml:"features" validate:"required,min=1,dive,required"`
	Rule          string        `yaml:"rule" default:"time:60000" validate:"required"`
	Source        string        `yaml:"source" default:"ws" validate:"oneof=ws kafka replay"`
	IdleFlush     time.Duration `yaml:"idle_flush" validate:"gte=0"`
	ChannelBuffer int           `yaml:"channel_buffer" default:"10000" validate:"gt=0"`

	// Snapshots
	SnapshotInterval time.Duration `yaml:"snapshot_interval" default:"30s" validate:"gte=0"`

	// HTTP API (health, metrics, features, candles)
	HTTPAddr string `yaml:"http_addr" default:":8080" validate:"required"`

	// Live candle stream on /stream/ws
	Stream struct {
		Enabled    bool `yaml:"enabled" default:"true"`
		ReplaySize int  `yaml:"replay_size" default:"500" validate:"gt=0"`
	} `yaml:"stream"`

	WS struct {
		URL                    string `yaml:"url" default:"ws://localhost:9001/ws"`
		MaxReconnectsPerMinute int    `yaml:"max_reconnects_per_minute" default:"10" validate:"gt=0"`
	} `yaml:"ws"`

	// Replay source: JSON Lines trades
	Replay struct {
		Path  string  `yaml:"path"`
		Speed float64 `yaml:"speed" default:"1" validate:"gte=0"`
	} `yaml:"replay"`

	Redis struct {
		Enabled       bool          `yaml:"enabled" default:"true"`
		Addr          string        `yaml:"addr" default:"localhost:6379"`
		Password      string        `yaml:"password"`
		DB            int           `yaml:"db" validate:"gte=0"`
		ConfigChannel string        `yaml:"config_channel" default:"config:features"`
		StreamMaxLen  int64         `yaml:"stream_max_len" default:"5000" validate:"gt=0"`
		MaxFailures   int           `yaml:"max_failures" default:"5" validate:"gt=0"`
		ResetTimeout  time.Duration `yaml:"reset_timeout" default:"10s" validate:"gt=0"`
		BufferSize    int           `yaml:"buffer_size" default:"10000" validate:"gt=0"`
	} `yaml:"redis"`

	SQLite struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"data/features.db"`
	} `yaml:"sqlite"`

	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		TradeTopic  string   `yaml:"trade_topic" default:"trades"`
		GroupID     string   `yaml:"group_id" default:"featengine"`
		CandleTopic string   `yaml:"candle_topic"` // empty disables the Kafka sink
	} `yaml:"kafka"`

	ClickHouse struct {
		DSN string `yaml:"dsn"` // empty disables the ClickHouse sink
	} `yaml:"clickhouse"`
}

var validate = validator.New()

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated,
// including the feature names and the aggregation rule.
func Load(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()

	if len(c.Features) == 0 {
		c.Features = append([]string(nil), DefaultFeatures...)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() {
	if v := getEnv("FEATURES", ""); v != "" {
		c.Features = splitList(v)
	}
	c.Rule = getEnv("RULE", c.Rule)
	c.Source = getEnv("SOURCE", c.Source)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.WS.URL = getEnv("WS_URL", c.WS.URL)
	c.Replay.Path = getEnv("REPLAY_PATH", c.Replay.Path)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)
	c.ClickHouse.DSN = getEnv("CLICKHOUSE_DSN", c.ClickHouse.DSN)
	c.Kafka.CandleTopic = getEnv("KAFKA_CANDLE_TOPIC", c.Kafka.CandleTopic)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getEnv("SNAPSHOT_INTERVAL_SEC", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			log.Printf("[config] ignoring invalid SNAPSHOT_INTERVAL_SEC: %q", v)
		} else {
			c.SnapshotInterval = time.Duration(n) * time.Second
		}
	}
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := c.FeatureKinds(); err != nil {
		return err
	}
	if _, err := c.RuleFactory(); err != nil {
		return err
	}
	switch c.Source {
	case "ws":
		if c.WS.URL == "" {
			return errors.New("ws.url is required when source is ws")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.TradeTopic == "" {
			return errors.New("kafka.brokers and kafka.trade_topic are required when source is kafka")
		}
	case "replay":
		if c.Replay.Path == "" {
			return errors.New("replay.path is required when source is replay")
		}
	}
	if c.Kafka.CandleTopic != "" && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka.candle_topic is set")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.SQLite.Enabled && c.SQLite.Path == "" {
		return errors.New("sqlite.path is required when sqlite is enabled")
	}
	return nil
}

// FeatureKinds resolves the configured feature names.
func (c *Config) FeatureKinds() ([]feature.Kind, error) {
	return feature.Kinds(c.Features)
}

// RuleFactory resolves the configured aggregation rule.
func (c *Config) RuleFactory() (rule.Factory, error) {
	return rule.Parse(c.Rule)
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	return logger.ParseLevel(c.LogLevel)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
