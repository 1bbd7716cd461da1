// Package config loads service configuration from an optional YAML file and
// PAGEGUARD_* environment variables. A .env file in the working directory is
// loaded first when present.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: server.listen_addr is read
// from PAGEGUARD_SERVER_LISTEN_ADDR.
const EnvPrefix = "PAGEGUARD"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Database   DatabaseConfig   `mapstructure:"database"`
}

type ServerConfig struct {
	ListenAddr  string        `mapstructure:"listen_addr"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	MaxPageSize int           `mapstructure:"max_page_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ClassifierConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	FallbackWindow time.Duration `mapstructure:"fallback_window"`
	RulesFile      string        `mapstructure:"rules_file"`
}

type CacheConfig struct {
	Kind     string        `mapstructure:"kind"` // memory | redis
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type SettingsConfig struct {
	Source  string `mapstructure:"source"` // static | file | redis
	Path    string `mapstructure:"path"`
	Profile string `mapstructure:"profile"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.max_page_size", 2<<20)
	v.SetDefault("server.idle_timeout", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("classifier.endpoints", []string{})
	v.SetDefault("classifier.timeout", 5*time.Second)
	v.SetDefault("classifier.max_batch_size", 10)
	v.SetDefault("classifier.fallback_window", 5*time.Minute)
	v.SetDefault("classifier.rules_file", "")
	v.SetDefault("cache.kind", "memory")
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("settings.source", "static")
	v.SetDefault("settings.path", "")
	v.SetDefault("settings.profile", "default")
	v.SetDefault("database.url", "")
}

// Load reads configuration. With an empty path, pageguard.yaml is looked up
// in the working directory and ./config, and a missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pageguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Classifier.Endpoints = splitEndpoints(cfg.Classifier.Endpoints)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated fields and their dependencies.
func (c *Config) Validate() error {
	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config: cache.kind=redis needs redis.addr")
		}
	default:
		return fmt.Errorf("config: unknown cache.kind %q", c.Cache.Kind)
	}

	switch c.Settings.Source {
	case "static":
	case "file":
		if c.Settings.Path == "" {
			return errors.New("config: settings.source=file needs settings.path")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config: settings.source=redis needs redis.addr")
		}
	default:
		return fmt.Errorf("config: unknown settings.source %q", c.Settings.Source)
	}
	return nil
}

// splitEndpoints accepts both list values and a single comma separated
// string, which is how the environment delivers lists.
func splitEndpoints(in []string) []string {
	var out []string
	for _, item := range in {
		for _, ep := range strings.Split(item, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				out = append(out, ep)
			}
		}
	}
	return out
}
