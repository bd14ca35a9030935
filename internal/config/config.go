// Package config loads the dispatch service configuration. It uses Viper to
// read settings from a config file and environment variables, unmarshals them
// into a typed struct, and validates the result before the service starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig selects the logger profile.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RateLimitConfig holds the admission quotas.
type RateLimitConfig struct {
	DomainRPS float64 `mapstructure:"domain_rps"`
	GlobalRPS float64 `mapstructure:"global_rps"`
}

// ProxyEntry describes one proxy endpoint in the pool.
type ProxyEntry struct {
	Region   string `mapstructure:"region"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Kind     string `mapstructure:"kind"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Country  string `mapstructure:"country"`
	ISP      string `mapstructure:"isp"`
}

// ProxyConfig holds the proxy pool settings.
type ProxyConfig struct {
	MaxFailures         int          `mapstructure:"max_failures"`
	HealthCheckSeconds  int          `mapstructure:"health_check_seconds"`
	ProbeTimeoutSeconds int          `mapstructure:"probe_timeout_seconds"`
	Proxies             []ProxyEntry `mapstructure:"proxies"`
}

// SessionConfig holds the session store settings.
type SessionConfig struct {
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`
	ProxyTTLSeconds int `mapstructure:"proxy_ttl_seconds"`
	CleanupSeconds  int `mapstructure:"cleanup_seconds"`
}

// DispatchConfig holds the request-pacing settings.
type DispatchConfig struct {
	BaseDelayMs      int     `mapstructure:"base_delay_ms"`
	MinDelayMs       int     `mapstructure:"min_delay_ms"`
	DelayVariance    float64 `mapstructure:"delay_variance"`
	FailureThreshold int     `mapstructure:"failure_threshold"`
}

// WorkersConfig holds the worker pool settings.
type WorkersConfig struct {
	Count      int `mapstructure:"count"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// DBConfig holds the optional stats snapshot sink. An empty DSN disables it.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	SnapshotSeconds int    `mapstructure:"snapshot_seconds"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Session   SessionConfig   `mapstructure:"session"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	DB        DBConfig        `mapstructure:"db"`
}

// Load reads configuration from the given file path (optional) plus
// environment variables, applies defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DISPATCH") // e.g. DISPATCH_SERVER_PORT=9090
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("dispatch")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/swoop-dispatch/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
			// No config file is fine; defaults and env carry the load.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)

	v.SetDefault("rate_limit.domain_rps", 0.5)
	v.SetDefault("rate_limit.global_rps", 10.0)

	v.SetDefault("proxy.max_failures", 5)
	v.SetDefault("proxy.health_check_seconds", 60)
	v.SetDefault("proxy.probe_timeout_seconds", 5)

	v.SetDefault("session.timeout_seconds", 1800)
	v.SetDefault("session.proxy_ttl_seconds", 300)
	v.SetDefault("session.cleanup_seconds", 60)

	v.SetDefault("dispatch.base_delay_ms", 3000)
	v.SetDefault("dispatch.min_delay_ms", 500)
	v.SetDefault("dispatch.delay_variance", 0.5)
	v.SetDefault("dispatch.failure_threshold", 3)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_depth", 64)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.snapshot_seconds", 300)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.RateLimit.DomainRPS <= 0 {
		return fmt.Errorf("rate_limit.domain_rps must be positive, got %v", c.RateLimit.DomainRPS)
	}
	if c.RateLimit.GlobalRPS <= 0 {
		return fmt.Errorf("rate_limit.global_rps must be positive, got %v", c.RateLimit.GlobalRPS)
	}
	if len(c.Proxy.Proxies) == 0 {
		return fmt.Errorf("proxy.proxies is empty; the service cannot dispatch without proxies")
	}
	for i, p := range c.Proxy.Proxies {
		if p.Host == "" {
			return fmt.Errorf("proxy.proxies[%d]: host is required", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("proxy.proxies[%d]: port %d out of range", i, p.Port)
		}
	}
	if c.Session.TimeoutSeconds <= 0 {
		return fmt.Errorf("session.timeout_seconds must be positive, got %d", c.Session.TimeoutSeconds)
	}
	if c.Session.ProxyTTLSeconds <= 0 {
		return fmt.Errorf("session.proxy_ttl_seconds must be positive, got %d", c.Session.ProxyTTLSeconds)
	}
	if c.Dispatch.DelayVariance < 0 || c.Dispatch.DelayVariance >= 1 {
		return fmt.Errorf("dispatch.delay_variance must be in [0,1), got %v", c.Dispatch.DelayVariance)
	}
	if c.Dispatch.FailureThreshold <= 0 {
		return fmt.Errorf("dispatch.failure_threshold must be positive, got %d", c.Dispatch.FailureThreshold)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	return nil
}

// SessionTimeout returns the browser-session idle timeout as a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSeconds) * time.Second
}

// ProxyTTL returns the sticky proxy binding lifetime as a duration.
func (c Config) ProxyTTL() time.Duration {
	return time.Duration(c.Session.ProxyTTLSeconds) * time.Second
}

// BaseDelay returns the humanized delay midpoint as a duration.
func (c Config) BaseDelay() time.Duration {
	return time.Duration(c.Dispatch.BaseDelayMs) * time.Millisecond
}

// MinDelay returns the humanized delay floor as a duration.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Dispatch.MinDelayMs) * time.Millisecond
}
