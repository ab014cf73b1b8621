package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NetworkConfig holds network-related configuration
type NetworkConfig struct {
	// ListenAddress is the address to listen on (e.g., ":8080")
	ListenAddress string `mapstructure:"listen_address"`
	// Per-connection deadlines, zero disables them
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	// Root directory holding one sub-directory per user
	StorageRoot string `mapstructure:"storage_root"`
	// File permissions for new files
	DefaultFileMode uint32 `mapstructure:"default_file_mode"`
	// Permissions for new user directories
	DirMode uint32 `mapstructure:"dir_mode"`
	// Maximum accepted payload for a single store request
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	// ListenAddress for the /metrics HTTP endpoint, empty disables it
	ListenAddress string `mapstructure:"listen_address"`
}

// WatcherConfig controls the storage root watcher
type WatcherConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Output is a file path, empty means stdout
	Output string `mapstructure:"output"`
}

// Config holds the complete configuration for a backup server
type Config struct {
	Network NetworkConfig `mapstructure:"network"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Log     LogConfig     `mapstructure:"log"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	// Validate network configuration
	if c.Network.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.Network.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	if c.Network.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout must not be negative")
	}

	// Validate storage configuration
	if c.Storage.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if c.Storage.MaxFileSize <= 0 || c.Storage.MaxFileSize > math.MaxUint32 {
		return fmt.Errorf("max_file_size must be between 1 and %d", uint64(math.MaxUint32))
	}
	if c.Storage.DefaultFileMode == 0 || c.Storage.DefaultFileMode > 0777 {
		return fmt.Errorf("invalid default_file_mode: %o", c.Storage.DefaultFileMode)
	}
	if c.Storage.DirMode == 0 || c.Storage.DirMode > 0777 {
		return fmt.Errorf("invalid dir_mode: %o", c.Storage.DirMode)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// FlagKeys maps command line flag names to the config keys they override
var FlagKeys = map[string]string{
	"listen":         "network.listen_address",
	"read-timeout":   "network.read_timeout",
	"write-timeout":  "network.write_timeout",
	"storage-root":   "storage.storage_root",
	"max-file-size":  "storage.max_file_size",
	"metrics-listen": "metrics.listen_address",
	"watch":          "watcher.enabled",
	"log-level":      "log.level",
	"log-output":     "log.output",
}

// LoadConfig loads the configuration from file, environment variables and,
// when flags is non-nil, the command line flags listed in FlagKeys.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("network.listen_address", ":8080")
	v.SetDefault("network.read_timeout", "30s")
	v.SetDefault("network.write_timeout", "30s")
	v.SetDefault("storage.storage_root", "./backupsvr")
	v.SetDefault("storage.default_file_mode", 0644)
	v.SetDefault("storage.dir_mode", 0755)
	v.SetDefault("storage.max_file_size", int64(1<<30)) // 1GB
	v.SetDefault("metrics.listen_address", "")
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "")

	// Set up environment variable support
	v.SetEnvPrefix("BACKUP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind command line flags, only the ones actually set take precedence
	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("error binding flag %s: %w", name, err)
			}
		}
	}

	// Read config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
