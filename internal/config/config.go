// Package config resolves runtime configuration from CLI flags, environment
// variables, a config file, and built-in defaults, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "IVORYVALLEY"

const (
	defaultUpstreamURL        = "https://mastodon.social"
	defaultHost                = "0.0.0.0"
	defaultPort                = 8080
	defaultDatabasePath        = "ivoryvalley.db"
	defaultMaxBodySize         = 52_428_800
	defaultConnectTimeoutSecs  = 10
	defaultRequestTimeoutSecs  = 30
	defaultLogLevel            = "info"
	defaultShutdownGraceSecs   = 10
	defaultWsPingIntervalSecs  = 45
)

// Config is the fully resolved, immutable configuration for one run.
type Config struct {
	UpstreamURL        string
	Host                string
	Port                int
	DatabasePath        string
	MaxBodySize         int64
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	RecordTrafficPath   string
	LogLevel            string
	ShutdownGrace       time.Duration
	PublicWebSocketURL  string // advertised streaming URL; empty means "derive from host/port"
	WsPingInterval      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env var bindings on the given viper instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("upstream_url", defaultUpstreamURL)
	v.SetDefault("host", defaultHost)
	v.SetDefault("port", defaultPort)
	v.SetDefault("database_path", defaultDatabasePath)
	v.SetDefault("max_body_size", defaultMaxBodySize)
	v.SetDefault("connect_timeout_secs", defaultConnectTimeoutSecs)
	v.SetDefault("request_timeout_secs", defaultRequestTimeoutSecs)
	v.SetDefault("record_traffic_path", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_secs", defaultShutdownGraceSecs)
	v.SetDefault("public_websocket_url", "")
	v.SetDefault("ws_ping_interval_secs", defaultWsPingIntervalSecs)
}

// Load resolves a Config from the provided viper instance, which must already
// have had flags bound to it via viper.BindPFlag.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		UpstreamURL:       v.GetString("upstream_url"),
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		DatabasePath:      v.GetString("database_path"),
		MaxBodySize:       v.GetInt64("max_body_size"),
		ConnectTimeout:    time.Duration(v.GetInt64("connect_timeout_secs")) * time.Second,
		RequestTimeout:    time.Duration(v.GetInt64("request_timeout_secs")) * time.Second,
		RecordTrafficPath: v.GetString("record_traffic_path"),
		LogLevel:          v.GetString("log_level"),
		ShutdownGrace:     time.Duration(v.GetInt64("shutdown_grace_secs")) * time.Second,
		PublicWebSocketURL: v.GetString("public_websocket_url"),
		WsPingInterval:    time.Duration(v.GetInt64("ws_ping_interval_secs")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("max_body_size must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout_secs must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout_secs must be positive")
	}
	if c.WsPingInterval <= 0 {
		return fmt.Errorf("ws_ping_interval_secs must be positive")
	}
	return nil
}

// Addr returns the "host:port" listener address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
