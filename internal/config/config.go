// Package config loads server and client settings from defaults, an
// optional YAML file and TEAMSYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TEAMSYNC_HTTP_PORT.
const EnvPrefix = "TEAMSYNC"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator;
// components receive their own typed section and never read viper directly.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Hub       HubConfig       `mapstructure:"hub"`
	Client    ClientConfig    `mapstructure:"client"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ReauthInterval   time.Duration `mapstructure:"reauth_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type HubConfig struct {
	SignalLimit    int           `mapstructure:"signal_limit"`
	SignalWindow   time.Duration `mapstructure:"signal_window"`
	AccessCacheTTL time.Duration `mapstructure:"access_cache_ttl"`
}

// ClientConfig is read by the watch command.
type ClientConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	Token             string        `mapstructure:"token"`
	DeviceID          string        `mapstructure:"device_id"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	InboundTimeout    time.Duration `mapstructure:"inbound_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	SeenCapacity      int           `mapstructure:"seen_capacity"`
}

type ReconcileConfig struct {
	MaxPendingAge     time.Duration `mapstructure:"max_pending_age"`
	MutateTimeout     time.Duration `mapstructure:"mutate_timeout"`
	RehydrateAttempts int           `mapstructure:"rehydrate_attempts"`
	MaxTombstones     int           `mapstructure:"max_tombstones"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

var defaults = map[string]interface{}{
	"http.host":             "0.0.0.0",
	"http.port":             8080,
	"http.read_timeout":     30 * time.Second,
	"http.write_timeout":    30 * time.Second,
	"http.shutdown_timeout": 10 * time.Second,

	"database.path":               "./data/teamsync.db",
	"database.max_connections":    10,
	"database.conn_max_lifetime":  time.Hour,
	"database.conn_max_idle_time": 10 * time.Minute,
	"database.write_timeout":      30 * time.Second,

	"websocket.ping_interval":     30 * time.Second,
	"websocket.heartbeat_timeout": 75 * time.Second,
	"websocket.grace_period":      30 * time.Second,
	"websocket.sweep_interval":    5 * time.Second,
	"websocket.reauth_interval":   5 * time.Minute,
	"websocket.write_timeout":     5 * time.Second,
	"websocket.send_buffer":       100,

	"hub.signal_limit":     100,
	"hub.signal_window":    time.Minute,
	"hub.access_cache_ttl": 5 * time.Minute,

	"client.server_url":         "http://localhost:8080",
	"client.token":              "",
	"client.device_id":          "",
	"client.ping_interval":      30 * time.Second,
	"client.inbound_timeout":    75 * time.Second,
	"client.backoff_base":       time.Second,
	"client.backoff_max":        30 * time.Second,
	"client.backoff_multiplier": 2.0,
	"client.backoff_jitter":     0.0,
	"client.max_attempts":       5,
	"client.seen_capacity":      100,

	"reconcile.max_pending_age":    30 * time.Second,
	"reconcile.mutate_timeout":     15 * time.Second,
	"reconcile.rehydrate_attempts": 3,
	"reconcile.max_tombstones":     1000,

	"log.level":  "info",
	"log.format": "json",
}

// NewViper returns a viper instance carrying every default and bound to the
// environment. Exposed so the CLI can bind flags onto it.
func NewViper() *viper.Viper {
	v := withDefaults()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg, err := decode(withDefaults())
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

func withDefaults() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads configuration. An explicit path must exist; with an empty path
// teamsync.yaml is looked up in the working directory and $HOME/.teamsync and
// silently skipped when absent.
func Load(path string) (*Config, error) {
	return LoadWith(NewViper(), path)
}

// LoadWith is Load over a caller-prepared viper instance.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("teamsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.teamsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.HTTP.Host == "" {
		return errors.New("http host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("http timeouts must be positive")
	}

	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}
	if c.Database.WriteTimeout <= 0 {
		return errors.New("database write timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("websocket ping interval must be positive")
	}
	if c.WebSocket.HeartbeatTimeout <= c.WebSocket.PingInterval {
		return errors.New("websocket heartbeat timeout must exceed the ping interval")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("websocket send buffer must be positive")
	}
	if c.WebSocket.ReauthInterval < 0 {
		return errors.New("websocket reauth interval cannot be negative")
	}

	if c.Hub.SignalLimit <= 0 || c.Hub.SignalWindow <= 0 {
		return errors.New("hub signal rate limit must be positive")
	}

	if c.Client.PingInterval <= 0 || c.Client.InboundTimeout <= c.Client.PingInterval {
		return errors.New("client inbound timeout must exceed a positive ping interval")
	}
	if c.Client.BackoffBase <= 0 || c.Client.BackoffMultiplier < 1 {
		return errors.New("client backoff needs a positive base and a multiplier of at least 1")
	}
	if c.Client.BackoffJitter < 0 || c.Client.BackoffJitter > 1 {
		return errors.New("client backoff jitter must be within 0..1")
	}
	if c.Client.MaxAttempts < 0 {
		return errors.New("client max attempts cannot be negative")
	}
	if c.Client.SeenCapacity <= 0 {
		return errors.New("client seen capacity must be positive")
	}

	if c.Reconcile.MaxPendingAge <= 0 || c.Reconcile.MutateTimeout <= 0 {
		return errors.New("reconcile timeouts must be positive")
	}
	if c.Reconcile.MaxTombstones <= 0 {
		return errors.New("reconcile max tombstones must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
