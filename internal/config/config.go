package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure for the application
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Compression CompressionConfig `mapstructure:"compression"`
	GC          GCConfig          `mapstructure:"gc"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds the network settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StorageConfig defines the internal structure of the storage engine
type StorageConfig struct {
	Shards uint `mapstructure:"shards"`
}

// CompressionConfig defines the size-tier boundaries. Values below
// MinBytes and above MaxBytes are stored raw; the window in between is
// compressed. StreamingThreshold is a client-facing hint only: values
// above it are the ones for which streaming retrieval is recommended.
type CompressionConfig struct {
	MinBytes           int `mapstructure:"min_bytes"`
	MaxBytes           int `mapstructure:"max_bytes"`
	StreamingThreshold int `mapstructure:"streaming_threshold"`
}

// GCConfig defines the parameters for the background active expiration
type GCConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`          // how often to run the background check
	SamplesPerCheck int           `mapstructure:"samples_per_check"` // how many keys to check per loop
	MatchThreshold  float64       `mapstructure:"match_threshold"`   // 0.0-1.0. if expired/scanned > threshold, repeat immediately
}

// TransferConfig defines the streaming session lifecycle settings
type TransferConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`   // reclaim sessions with no fetch in this window
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // how often the reclaim sweep runs
}

// LimitsConfig bounds what a single item may look like
type LimitsConfig struct {
	MaxItemBytes int   `mapstructure:"max_item_bytes"` // 0 means unlimited
	DefaultTTL   int64 `mapstructure:"default_ttl"`    // seconds applied when exptime is 0, 0 means never expire
}

// LogConfig defines logging verbosity and output style
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Load reads the configuration from a file and overrides it with environment variables
func Load(path string) (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("STRATUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates viper with fallback values if they are not provided via file or ENV
func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "11211")

	// Storage
	viper.SetDefault("storage.shards", 32)

	// Compression tiers
	viper.SetDefault("compression.min_bytes", 128)
	viper.SetDefault("compression.max_bytes", 1<<20)
	viper.SetDefault("compression.streaming_threshold", 10*1024)

	// GC
	viper.SetDefault("gc.enabled", true)
	viper.SetDefault("gc.interval", "100ms")
	viper.SetDefault("gc.samples_per_check", 20)
	viper.SetDefault("gc.match_threshold", 0.25)

	// Streaming transfers
	viper.SetDefault("transfer.idle_timeout", "30s")
	viper.SetDefault("transfer.sweep_interval", "5s")

	// Limits
	viper.SetDefault("limits.max_item_bytes", 0)
	viper.SetDefault("limits.default_ttl", 0)

	// Logger
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}
