// Package config loads configuration for the assetcache command.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Reader kinds.
const (
	ReaderFS    = "fs"
	ReaderCAS   = "cas"
	ReaderHTTP  = "http"
	ReaderRedis = "redis"
)

// Config holds all configuration for the command.
type Config struct {
	Reader  ReaderConfig  `mapstructure:"reader"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ReaderConfig selects where encoded assets come from.
type ReaderConfig struct {
	Kind      string            `mapstructure:"kind"` // fs, cas, http or redis
	Dir       string            `mapstructure:"dir"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"` // http only
	Extension string            `mapstructure:"extension"`
	Verify    bool              `mapstructure:"verify"`
	Redis     RedisConfig       `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CacheConfig holds tier budgets and the caching policy.
type CacheConfig struct {
	EncodedBudget   int64 `mapstructure:"encoded_budget"`
	DecodedBudget   int64 `mapstructure:"decoded_budget"`
	MaxEncodedEntry int64 `mapstructure:"max_encoded_entry"`
	MaxDecodedEntry int64 `mapstructure:"max_decoded_entry"`
	MaxCacheSize    int64 `mapstructure:"max_cache_size"` // 0 caches assets of any size
}

// CodecConfig holds zstd decoder settings.
type CodecConfig struct {
	MaxSize     int64  `mapstructure:"max_size"`
	MaxMemory   uint64 `mapstructure:"max_memory"`
	Concurrency int    `mapstructure:"concurrency"`
	Lowmem      bool   `mapstructure:"lowmem"`
	RawFallback bool   `mapstructure:"raw_fallback"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from path (if set), then ASSETCACHE_* environment
// variables, on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("assetcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("assetcache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reader.kind", ReaderFS)
	v.SetDefault("reader.dir", ".")
	v.SetDefault("reader.verify", true)
	v.SetDefault("reader.redis.address", "localhost:6379")

	v.SetDefault("cache.encoded_budget", 64<<20)
	v.SetDefault("cache.decoded_budget", 256<<20)
	v.SetDefault("cache.max_encoded_entry", 0)
	v.SetDefault("cache.max_decoded_entry", 0)
	v.SetDefault("cache.max_cache_size", 0)

	v.SetDefault("codec.max_size", 0)
	v.SetDefault("codec.max_memory", 0)
	v.SetDefault("codec.concurrency", 1)
	v.SetDefault("codec.lowmem", false)
	v.SetDefault("codec.raw_fallback", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Reader.Kind {
	case ReaderFS, ReaderCAS:
		if c.Reader.Dir == "" {
			return fmt.Errorf("reader.dir is required for %s reader", c.Reader.Kind)
		}
	case ReaderHTTP:
		if c.Reader.URL == "" {
			return errors.New("reader.url is required for http reader")
		}
	case ReaderRedis:
		if c.Reader.Redis.Address == "" {
			return errors.New("reader.redis.address is required for redis reader")
		}
	default:
		return fmt.Errorf("unknown reader.kind %q", c.Reader.Kind)
	}

	if c.Cache.EncodedBudget < 0 || c.Cache.DecodedBudget < 0 {
		return errors.New("cache budgets must be >= 0")
	}
	if c.Cache.MaxEncodedEntry < 0 || c.Cache.MaxDecodedEntry < 0 || c.Cache.MaxCacheSize < 0 {
		return errors.New("cache entry limits must be >= 0")
	}
	if c.Codec.Concurrency < 0 {
		return errors.New("codec.concurrency must be >= 0")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the logger described by c, writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("unknown logging.level %q", level)
	}
	return l, nil
}
