// Package config loads taskflow's runtime configuration: typed defaults, an
// optional YAML config file, then an env-var override pass for the handful
// of settings operators routinely override per-deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is taskflow's full runtime configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	JSONLog  bool   `mapstructure:"json_log"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pusher    PusherConfig    `mapstructure:"pusher"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// DatabaseConfig holds the Postgres connection string. The legacy
// SQL_ALCHEMY_CONNECTION env var still feeds it; see applyEnvOverrides.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SchedulerConfig struct {
	SleepInterval time.Duration `mapstructure:"sleep_interval"`
}

type PusherConfig struct {
	SleepInterval time.Duration `mapstructure:"sleep_interval"`
	// RedisURL, when set, backs the push workers' resubmit seen guard with
	// Redis so concurrent Pusher processes share it.
	RedisURL string `mapstructure:"redis_url"`
}

type NotifyConfig struct {
	SlackToken   string `mapstructure:"slack_token"`
	SlackChannel string `mapstructure:"slack_channel"`
	NATSUrl      string `mapstructure:"nats_url"`
}

type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads configuration from configPath (if non-empty), common config
// directories, and environment variables, in that precedence order (env
// wins). Environment variables are read with the TASKFLOW_ prefix except
// for SQL_ALCHEMY_CONNECTION, kept unprefixed for drop-in compatibility
// with existing deployment tooling.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		JSONLog:  false,
		Scheduler: SchedulerConfig{SleepInterval: 10 * time.Second},
		Pusher:    PusherConfig{SleepInterval: 10 * time.Second},
		Tracing:   TracingConfig{OTLPEndpoint: "localhost:4317"},
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		if filepath.IsAbs(configPath) {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(filepath.Dir(configPath))
			base := filepath.Base(configPath)
			v.SetConfigName(base[:len(base)-len(filepath.Ext(base))])
		}
	} else {
		v.SetConfigName("taskflow")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskflow")
	}

	v.SetEnvPrefix("TASKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind each field's
	// TASKFLOW_* variable explicitly for runs without a config file.
	for _, key := range []string{"log_level", "json_log", "database.dsn", "scheduler.sleep_interval",
		"pusher.sleep_interval", "pusher.redis_url", "notify.slack_token", "notify.slack_channel",
		"notify.nats_url", "tracing.otlp_endpoint"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database DSN not configured: set SQL_ALCHEMY_CONNECTION or database.dsn")
	}
	return cfg, nil
}

// applyEnvOverrides handles the small set of env vars that predate the
// TASKFLOW_ prefix convention and must keep working unprefixed.
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("SQL_ALCHEMY_CONNECTION"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.OTLPEndpoint = endpoint
	}
	if level := os.Getenv("TASKFLOW_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if jsonLog := os.Getenv("TASKFLOW_JSON_LOG"); jsonLog != "" {
		if b, err := strconv.ParseBool(jsonLog); err == nil {
			cfg.JSONLog = b
		}
	}
}
