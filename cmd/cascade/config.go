package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/cascade"
	"github.com/xraph/cascade/backoff"
	"github.com/xraph/cascade/flow"
)

// settings is the serve configuration, read from flags, CASCADE_*
// environment variables and an optional config file, in that order of
// precedence.
type settings struct {
	HTTPAddr    string `mapstructure:"http-addr"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	LogLevel    string `mapstructure:"log-level"`

	Backend     string `mapstructure:"backend"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisPrefix string `mapstructure:"redis-prefix"`
	SQLitePath  string `mapstructure:"sqlite-path"`

	Workers     bool          `mapstructure:"workers"`
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job-timeout"`

	RetryInitial time.Duration `mapstructure:"retry-initial"`
	RetryMax     time.Duration `mapstructure:"retry-max"`
	RetryJitter  bool          `mapstructure:"retry-jitter"`

	BaseURL       string `mapstructure:"base-url"`
	WebhookPrefix string `mapstructure:"webhook-prefix"`

	Steps []flow.StepConfig `mapstructure:"steps"`
}

const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendSQLite = "sqlite"
)

func setupServeFlags(cmd *cobra.Command, v *viper.Viper) error {
	defaults := cascade.DefaultConfig()
	f := cmd.Flags()
	f.String("config", "", "path to a config file (yaml, json or toml)")
	f.String("http-addr", ":8080", "address of the HTTP API and webhook endpoint")
	f.String("metrics-addr", ":9090", "address of the Prometheus /metrics endpoint; empty disables it")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("backend", backendMemory, "store and queue backend: memory, redis or sqlite")
	f.String("redis-addr", "localhost:6379", "redis host:port")
	f.String("redis-prefix", "cascade:", "prefix of every redis key")
	f.String("sqlite-path", "cascade.db", "sqlite database file")
	f.Bool("workers", false, "consume step jobs in this process")
	f.Int("concurrency", 8, "jobs processed at once per queue")
	f.Duration("job-timeout", 5*time.Minute, "deadline of a job without its own timeout")
	f.Duration("retry-initial", time.Second, "delay before the first retry of a failed step")
	f.Duration("retry-max", time.Minute, "upper bound of the step retry delay")
	f.Bool("retry-jitter", true, "randomize step retry delays")
	f.String("base-url", defaults.BaseURL, "public base URL used in webhook await URLs")
	f.String("webhook-prefix", defaults.WebhookPrefix, "path prefix of the webhook endpoint")

	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(f)
}

func loadSettings(cmd *cobra.Command, v *viper.Viper) (*settings, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	switch s.Backend {
	case backendMemory, backendRedis, backendSQLite:
	default:
		return nil, fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", s.Concurrency)
	}
	if s.RetryInitial <= 0 || s.RetryMax < s.RetryInitial {
		return nil, fmt.Errorf("invalid retry delays: initial %s, max %s", s.RetryInitial, s.RetryMax)
	}
	return &s, nil
}

// retryBackoff is the delay strategy between attempts of a failed step.
func (s *settings) retryBackoff() backoff.Strategy {
	if s.RetryJitter {
		return backoff.NewExponentialWithJitter(s.RetryInitial, s.RetryMax)
	}
	return backoff.NewExponential(s.RetryInitial, s.RetryMax)
}

func (s *settings) engineConfig() cascade.Config {
	cfg := cascade.DefaultConfig()
	cfg.BaseURL = s.BaseURL
	cfg.WebhookPrefix = s.WebhookPrefix
	return cfg
}
