// Package config loads jobhubd settings from a YAML file, JOBHUB_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/jobhub"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable; "http.addr" reads JOBHUB_HTTP_ADDR.
const EnvPrefix = "JOBHUB"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// HTTP configures the API listener. SubmitRate is per client, in requests
// per second; 0 disables limiting.
type HTTP struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SubmitRate   float64       `mapstructure:"submit_rate"`
	SubmitBurst  int           `mapstructure:"submit_burst"`
}

// Store selects the job store. DSN is used by the sqlite and postgres drivers.
type Store struct {
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Namespace     string `mapstructure:"namespace"`
	DSN           string `mapstructure:"dsn"`
}

type Workers struct {
	Count             int           `mapstructure:"count"`
	Max               int           `mapstructure:"max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	FailureLimit      int           `mapstructure:"failure_limit"`
	Quarantine        time.Duration `mapstructure:"quarantine"`
}

type Jobs struct {
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Timeout          time.Duration `mapstructure:"timeout"`
	DisableAutoRetry bool          `mapstructure:"disable_auto_retry"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	// Simulate registers the built-in job types over in-memory collaborators.
	Simulate bool `mapstructure:"simulate"`
}

type Health struct {
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	Window            time.Duration `mapstructure:"window"`
	MaxErrorRate      float64       `mapstructure:"max_error_rate"`
	MaxAvgWait        time.Duration `mapstructure:"max_avg_wait"`
	SaturationWindow  time.Duration `mapstructure:"saturation_window"`
	HostMemoryPercent float64       `mapstructure:"host_memory_percent"`
	DisableHost       bool          `mapstructure:"disable_host"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Tracing struct {
	// Endpoint is the OTLP/HTTP collector host:port; empty disables export.
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Config is the complete daemon configuration.
type Config struct {
	HTTP            HTTP          `mapstructure:"http"`
	Store           Store         `mapstructure:"store"`
	Workers         Workers       `mapstructure:"workers"`
	Jobs            Jobs          `mapstructure:"jobs"`
	Health          Health        `mapstructure:"health"`
	Log             Log           `mapstructure:"log"`
	Tracing         Tracing       `mapstructure:"tracing"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers every key with its default so environment
// variables are seen for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.submit_rate", 20.0)
	v.SetDefault("http.submit_burst", 40)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.namespace", "default")
	v.SetDefault("store.dsn", "")

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.max", 64)
	v.SetDefault("workers.heartbeat_interval", 5*time.Second)
	v.SetDefault("workers.heartbeat_timeout", 30*time.Second)
	v.SetDefault("workers.failure_limit", 3)
	v.SetDefault("workers.quarantine", time.Minute)

	v.SetDefault("jobs.queue_capacity", 10000)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.timeout", 5*time.Minute)
	v.SetDefault("jobs.disable_auto_retry", false)
	v.SetDefault("jobs.backoff_base", time.Second)
	v.SetDefault("jobs.backoff_max", 5*time.Minute)
	v.SetDefault("jobs.simulate", true)

	v.SetDefault("health.sample_interval", 5*time.Second)
	v.SetDefault("health.window", 5*time.Minute)
	v.SetDefault("health.max_error_rate", 10.0)
	v.SetDefault("health.max_avg_wait", 30*time.Second)
	v.SetDefault("health.saturation_window", 30*time.Second)
	v.SetDefault("health.host_memory_percent", 95.0)
	v.SetDefault("health.disable_host", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "jobhubd")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// Load reads file (optional), the environment and any flags already bound
// to v, and returns the validated result.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values that have no safe fallback.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count))
	}
	if c.Workers.Max < c.Workers.Count {
		errs = append(errs, fmt.Errorf("workers.max (%d) is below workers.count (%d)", c.Workers.Max, c.Workers.Count))
	}
	if c.Jobs.MaxRetries < 0 {
		errs = append(errs, errors.New("jobs.max_retries must not be negative"))
	}
	if c.HTTP.SubmitRate < 0 {
		errs = append(errs, errors.New("http.submit_rate must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0,1], got %g", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

// Server maps the settings onto a jobhub.Config.
func (c Config) Server(log jobhub.Logger) jobhub.Config {
	return jobhub.Config{
		Workers:            c.Workers.Count,
		MaxWorkers:         c.Workers.Max,
		QueueCapacity:      c.Jobs.QueueCapacity,
		DefaultMaxRetries:  c.Jobs.MaxRetries,
		DefaultTimeout:     c.Jobs.Timeout,
		DisableAutoRetry:   c.Jobs.DisableAutoRetry,
		RetryBackoffBase:   c.Jobs.BackoffBase,
		RetryBackoffMax:    c.Jobs.BackoffMax,
		HeartbeatInterval:  c.Workers.HeartbeatInterval,
		HeartbeatTimeout:   c.Workers.HeartbeatTimeout,
		WorkerFailureLimit: c.Workers.FailureLimit,
		WorkerQuarantine:   c.Workers.Quarantine,
		Health: jobhub.HealthConfig{
			SampleInterval:    c.Health.SampleInterval,
			Window:            c.Health.Window,
			MaxErrorRate:      c.Health.MaxErrorRate,
			MaxAvgWait:        c.Health.MaxAvgWait,
			SaturationWindow:  c.Health.SaturationWindow,
			HostMemoryPercent: c.Health.HostMemoryPercent,
			DisableHost:       c.Health.DisableHost,
		},
		Logger: log,
	}
}
