// Package config loads the layered runtime configuration for the
// cobra client and its CLI drivers via viper, with optional live
// reload for the metrics publisher's blacklist and rate-control
// tables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every runtime-tunable setting for a cobra client
// process.
type Config struct {
	RTM           RTMConfig           `mapstructure:"rtm"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Redis         RedisConfig         `mapstructure:"redis"`
	ErrorReporter ErrorReporterConfig `mapstructure:"error_reporter"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// RTMConfig configures the Cobra connection and its Session.
type RTMConfig struct {
	Appkey                 string        `mapstructure:"appkey"`
	Endpoint               string        `mapstructure:"endpoint"`
	RoleName               string        `mapstructure:"role_name"`
	RoleSecret             string        `mapstructure:"role_secret"`
	PingIntervalSeconds    int           `mapstructure:"ping_interval_seconds"`
	AutoReconnect          bool          `mapstructure:"auto_reconnect"`
	ResubscribeOnReconnect bool          `mapstructure:"resubscribe_on_reconnect"`
	RetryQueueCapacity     int           `mapstructure:"retry_queue_capacity"`
	EnableCompression      bool          `mapstructure:"enable_compression"`
	HandshakeTimeout       time.Duration `mapstructure:"handshake_timeout"`
}

// MetricsConfig configures the metrics publisher and this process's
// own self-observability endpoint.
type MetricsConfig struct {
	Channel            string         `mapstructure:"channel"`
	Blacklist          []string       `mapstructure:"blacklist"`
	RateControlSeconds map[string]int `mapstructure:"rate_control_seconds"`
	SelfMetricsAddr    string         `mapstructure:"self_metrics_addr"`
}

// RedisConfig configures pkg/redisclient.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ErrorReporterConfig configures pkg/errorreporter.
type ErrorReporterConfig struct {
	Endpoint           string        `mapstructure:"endpoint"`
	ProjectKey         string        `mapstructure:"project_key"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxQueueDepth      int           `mapstructure:"max_queue_depth"`
}

// LoggingConfig controls the zap logger's level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from (in increasing priority) defaults, an
// optional "cobra.{yaml,json,toml}" file on the search path, and
// COBRA_-prefixed environment variables. An environment variable names
// a key with dots replaced by underscores (COBRA_RTM_ENDPOINT for
// rtm.endpoint); only keys that have a default or appear in the config
// file are read from the environment.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("cobra")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("COBRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig() // config file is optional; env + defaults suffice

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// WatchMetrics invokes onChange whenever the loaded config file
// changes on disk, re-unmarshaling MetricsConfig only. Callers wire
// onChange to Publisher.SetBlacklist/SetRateControl so a blacklist or
// rate-control edit takes effect without a process restart.
func WatchMetrics(v *viper.Viper, onChange func(MetricsConfig)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(cfg.Metrics)
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rtm.endpoint", "wss://rtm.example.com")
	v.SetDefault("rtm.ping_interval_seconds", 30)
	v.SetDefault("rtm.auto_reconnect", true)
	v.SetDefault("rtm.resubscribe_on_reconnect", true)
	v.SetDefault("rtm.retry_queue_capacity", 256)
	v.SetDefault("rtm.handshake_timeout", 10*time.Second)

	v.SetDefault("metrics.channel", "metrics")
	v.SetDefault("metrics.self_metrics_addr", ":9090")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("error_reporter.requests_per_second", 5.0)
	v.SetDefault("error_reporter.timeout", 10*time.Second)
	v.SetDefault("error_reporter.max_queue_depth", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}
