// Package config loads the orchestrator's configuration from an optional
// YAML file plus environment overrides, and provides a file watcher for
// hot-reloadable settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig covers the service's listen surfaces.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Port        int    `mapstructure:"port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	HealthPort  int    `mapstructure:"health_port"`
}

// ProviderConfig covers the completion service adapter.
type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig covers conversation session behavior.
type SessionConfig struct {
	// BusyPolicy is "queue" or "reject".
	BusyPolicy     string        `mapstructure:"busy_policy"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxHistory     int           `mapstructure:"max_history"`
	MaxRecentTurns int           `mapstructure:"max_recent_turns"`
}

// RedisConfig covers the history store backend.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig covers the findings archive backend.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LoggingConfig covers structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig covers OTLP export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// StreamingConfig covers the in-memory event fanout.
type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Session   SessionConfig   `mapstructure:"session"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Streaming StreamingConfig `mapstructure:"streaming"`
}

// Load reads configuration from CONFIG_PATH (default config/coworker.yaml)
// when the file exists, then applies environment overrides. A missing file
// is not an error; the defaults plus environment are enough to run.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/coworker.yaml"
	}
	if _, err := os.Stat(cfgPath); err == nil {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "coworker-orchestrator")
	v.SetDefault("service.port", 8081)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.health_port", 8081)

	v.SetDefault("provider.base_url", "http://completion-service:8000")
	v.SetDefault("provider.timeout", 60*time.Second)

	v.SetDefault("session.busy_policy", "queue")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.max_history", 200)
	v.SetDefault("session.max_recent_turns", 20)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "coworker")
	v.SetDefault("database.database", "coworker")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "coworker-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("streaming.ring_capacity", 256)
}

// applyLegacyEnv honors the unprefixed environment variables the deployment
// manifests already use.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		var p int
		_, _ = fmt.Sscanf(v, "%d", &p)
		if p > 0 {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("COMPLETION_SERVICE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var p int
		_, _ = fmt.Sscanf(v, "%d", &p)
		if p > 0 {
			cfg.Service.MetricsPort = p
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Session.BusyPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("invalid session.busy_policy %q (want queue or reject)", c.Session.BusyPolicy)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service.port %d", c.Service.Port)
	}
	if c.Session.MaxHistory <= 0 {
		return fmt.Errorf("session.max_history must be positive")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	return nil
}
