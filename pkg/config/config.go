// Package config loads and validates the deadlockssh configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Tarpit  TarpitConfig  `toml:"tarpit"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Logging LoggingConfig `toml:"logging"`
	Stats   StatsConfig   `toml:"stats"`
	GeoIP   GeoIPConfig   `toml:"geoip"`
}

// ServerConfig contains listener and per-connection limits
type ServerConfig struct {
	Port              int           `toml:"port"`
	MaxConnections    int           `toml:"maxConnections"`
	ConnectionTimeout time.Duration `toml:"connectionTimeout"`
	MaxInputLength    int           `toml:"maxInputLength"`
	TCPKeepAlive      bool          `toml:"tcpKeepAlive"`
	ShutdownGrace     time.Duration `toml:"shutdownGrace"`
}

// TarpitConfig contains the banner and delay escalation settings
type TarpitConfig struct {
	Banner         string        `toml:"sshBanner"`
	BannerDelay    time.Duration `toml:"bannerDelay"`
	InitialDelay   time.Duration `toml:"initialDelay"`
	DelayIncrement time.Duration `toml:"delayIncrement"`
	MaxDelay       time.Duration `toml:"maxDelay"`
}

// LedgerConfig contains offense ledger configuration
type LedgerConfig struct {
	Backend       BackendConfig `toml:"backend"`
	Retention     time.Duration `toml:"retention"`
	SweepInterval time.Duration `toml:"sweepInterval"`
}

// BackendConfig contains ledger storage configuration
type BackendConfig struct {
	Type  string      `toml:"type"`
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig contains Redis backend configuration
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"poolSize"`
	DialTimeout  time.Duration `toml:"dialTimeout"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
	KeyPrefix    string        `toml:"keyPrefix"`
	MaxRetries   int           `toml:"maxRetries"`
}

// LoggingConfig contains logging and event log sink configuration
type LoggingConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	File    string `toml:"file"`
	MaxSize int    `toml:"maxLogSize"` // megabytes
	Backups int    `toml:"logBackupCount"`
}

// StatsConfig contains the HTTP statistics server configuration
type StatsConfig struct {
	Enabled      bool   `toml:"enabled"`
	Bind         string `toml:"bind"`
	TopOffenders int    `toml:"topOffenders"`
}

// GeoIPConfig contains optional GeoIP enrichment configuration
type GeoIPConfig struct {
	DatabasePath string `toml:"databasePath"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              2222,
			MaxConnections:    100,
			ConnectionTimeout: 5 * time.Minute,
			MaxInputLength:    1024,
			TCPKeepAlive:      true,
			ShutdownGrace:     10 * time.Second,
		},
		Tarpit: TarpitConfig{
			Banner:         "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.1",
			BannerDelay:    100 * time.Millisecond,
			InitialDelay:   1 * time.Second,
			DelayIncrement: 2 * time.Second,
			MaxDelay:       60 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend: BackendConfig{
				Type: "memory",
				Redis: RedisConfig{
					Addr:         "localhost:6379",
					PoolSize:     10,
					DialTimeout:  5 * time.Second,
					ReadTimeout:  3 * time.Second,
					WriteTimeout: 3 * time.Second,
					KeyPrefix:    "deadlockssh:ledger:",
					MaxRetries:   3,
				},
			},
			Retention:     24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			File:    "",
			MaxSize: 10,
			Backups: 5,
		},
		Stats: StatsConfig{
			Enabled:      false,
			Bind:         ":8080",
			TopOffenders: 10,
		},
	}
}

// Load reads a TOML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for operator errors. Any error
// returned here is fatal: the process must not bind with a bad config.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Server.MaxInputLength <= 0 {
		return fmt.Errorf("maxInputLength must be positive, got %d", c.Server.MaxInputLength)
	}
	if c.Server.ConnectionTimeout <= 0 {
		return fmt.Errorf("connectionTimeout must be positive, got %v", c.Server.ConnectionTimeout)
	}
	if c.Tarpit.Banner == "" {
		return fmt.Errorf("sshBanner must not be empty")
	}
	if c.Tarpit.BannerDelay < 0 {
		return fmt.Errorf("bannerDelay must not be negative, got %v", c.Tarpit.BannerDelay)
	}
	if c.Tarpit.InitialDelay < 0 {
		return fmt.Errorf("initialDelay must not be negative, got %v", c.Tarpit.InitialDelay)
	}
	if c.Tarpit.DelayIncrement < 0 {
		return fmt.Errorf("delayIncrement must not be negative, got %v", c.Tarpit.DelayIncrement)
	}
	if c.Tarpit.MaxDelay < c.Tarpit.InitialDelay {
		return fmt.Errorf("maxDelay %v must not be less than initialDelay %v",
			c.Tarpit.MaxDelay, c.Tarpit.InitialDelay)
	}
	switch c.Ledger.Backend.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown ledger backend type: %s", c.Ledger.Backend.Type)
	}
	if c.Ledger.SweepInterval <= 0 {
		return fmt.Errorf("sweepInterval must be positive, got %v", c.Ledger.SweepInterval)
	}
	if c.Stats.Enabled && c.Stats.Bind == "" {
		return fmt.Errorf("stats enabled but no bind address configured")
	}
	return nil
}
