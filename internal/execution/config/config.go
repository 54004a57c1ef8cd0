// Package config loads the execution engine's runtime configuration from
// a YAML file, environment variables (TRADSYS_ prefixed) or defaults, via
// viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables the execution engine binary needs.
type Config struct {
	Engine struct {
		Workers    int           `mapstructure:"workers"`
		MaxRetries int           `mapstructure:"max_retries"`
		LockWait   time.Duration `mapstructure:"lock_wait"`
		RetryBase  time.Duration `mapstructure:"retry_base"`
		RetryCap   time.Duration `mapstructure:"retry_cap"`
	} `mapstructure:"engine"`

	Broker struct {
		RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
		RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	} `mapstructure:"broker"`

	Listener struct {
		FeedURL string `mapstructure:"feed_url"`
	} `mapstructure:"listener"`

	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	EventBus struct {
		Enabled bool     `mapstructure:"enabled"`
		URLs    []string `mapstructure:"urls"`
		Subject string   `mapstructure:"subject"`
	} `mapstructure:"eventbus"`

	Vault struct {
		SigningSecret string        `mapstructure:"signing_secret"`
		SessionTTL    time.Duration `mapstructure:"session_ttl"`
	} `mapstructure:"vault"`

	Controller struct {
		MaxRequestsPerMinute int64 `mapstructure:"max_requests_per_minute"`
	} `mapstructure:"controller"`

	Monitoring struct {
		PrometheusPort int    `mapstructure:"prometheus_port"`
		LogLevel       string `mapstructure:"log_level"`
	} `mapstructure:"monitoring"`
}

// Load reads configuration from configPath (a directory), falling back to
// ".", "./config" and "/etc/execution-core" if empty, then layering TRADSYS_-prefixed
// environment variables on top of whatever the YAML file set.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/execution-core")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TRADSYS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.lock_wait", 5*time.Second)
	v.SetDefault("engine.retry_base", 200*time.Millisecond)
	v.SetDefault("engine.retry_cap", 5*time.Second)

	v.SetDefault("broker.rate_limit_per_second", 20.0)
	v.SetDefault("broker.rate_limit_burst", 20)

	v.SetDefault("listener.feed_url", "ws://localhost:8765/ticks")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres dbname=execution sslmode=disable")

	v.SetDefault("eventbus.enabled", false)
	v.SetDefault("eventbus.subject", "execution.events")

	v.SetDefault("vault.session_ttl", time.Hour)

	v.SetDefault("controller.max_requests_per_minute", 60)

	v.SetDefault("monitoring.prometheus_port", 9090)
	v.SetDefault("monitoring.log_level", "info")
}
