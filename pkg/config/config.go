package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittobox/pkg/adapter/box"
	"github.com/spf13/viper"
)

// Config represents the complete DittoBox configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOBOX_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Store sections follow a type-plus-options pattern: the Type field selects
// an implementation and only the map named after it is decoded, by the
// matching factory in factories.go.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Accounts configures the user directory
	Accounts AccountsConfig `mapstructure:"accounts"`

	// Storage selects the content store and the staging directory
	Storage StorageConfig `mapstructure:"storage"`

	// Workers sizes the storage worker pool
	Workers WorkersConfig `mapstructure:"workers"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout bounds the wait for adapters to stop and for queued
	// storage tasks to drain, each.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the Prometheus metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port serves /metrics. Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// AccountsConfig configures the user directory.
type AccountsConfig struct {
	// Store selects where account records are persisted
	// Valid values: memory, badger
	Store string `mapstructure:"store" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific options (db_path)
	// Only used when Store = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// Seed lists accounts created at startup when they do not exist yet
	Seed []SeedAccount `mapstructure:"seed" validate:"dive"`

	// QuotaLimit is the per-account storage limit in bytes. A negative value
	// disables the limit. Default: 52428800 (50 MiB)
	QuotaLimit int64 `mapstructure:"quota_limit"`

	// LegacyOverwrite makes an overwriting upload add the new size without
	// subtracting the replaced file's size.
	LegacyOverwrite bool `mapstructure:"legacy_overwrite"`
}

// SeedAccount is a username/password pair created at startup.
type SeedAccount struct {
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
}

// StorageConfig specifies the content store and the staging area.
type StorageConfig struct {
	// Type specifies which content store implementation to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	// TmpDir holds uploads while they are being received
	TmpDir string `mapstructure:"tmp_dir" validate:"required"`

	// Filesystem contains filesystem-specific options (path)
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// S3 contains S3-specific options
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`

	// GC sweeps abandoned files out of TmpDir
	GC StagingGCConfig `mapstructure:"gc"`
}

// StagingGCConfig controls the staging collector. The staging directory is
// always swept clean at startup; these settings govern the periodic sweep.
type StagingGCConfig struct {
	// Disabled turns the periodic sweep off
	Disabled bool `mapstructure:"disabled"`

	// Interval between sweeps. Default: 1h
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// MaxAge is the age past which a staged file is considered abandoned.
	// Default: 24h
	MaxAge time.Duration `mapstructure:"max_age" validate:"min=0"`

	// DryRun logs stale files instead of removing them
	DryRun bool `mapstructure:"dry_run"`
}

// WorkersConfig sizes the storage worker pool.
type WorkersConfig struct {
	// Storage is the number of goroutines executing storage tasks.
	// Default: 4
	Storage int `mapstructure:"storage" validate:"required,min=1"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// Box contains the box protocol configuration.
	Box box.BoxConfig `mapstructure:"box"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns the loaded and validated configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// envKeys lists the keys that can be set from the environment without a
// config file. viper's AutomaticEnv only resolves keys it already knows.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.shutdown_timeout",
	"server.metrics.enabled",
	"server.metrics.port",
	"accounts.store",
	"accounts.quota_limit",
	"accounts.legacy_overwrite",
	"storage.type",
	"storage.tmp_dir",
	"storage.gc.disabled",
	"storage.gc.interval",
	"storage.gc.max_age",
	"workers.storage",
	"adapters.box.enabled",
	"adapters.box.port",
	"adapters.box.client_workers",
	"adapters.box.admission_capacity",
	"adapters.box.framing",
	"adapters.box.max_upload_size",
	"adapters.box.idle_timeout",
	"adapters.box.accept_rate",
	"adapters.box.accept_burst",
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOBOX_ADAPTERS_BOX_PORT=9000
	v.SetEnvPrefix("DITTOBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// The box adapter runs unless a file or the environment says otherwise.
	v.SetDefault("adapters.box.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	// $XDG_CONFIG_HOME/dittobox/config.{yaml,toml}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists. A missing file
// in the default location is not an error.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir uses XDG_CONFIG_HOME if set, otherwise ~/.config, falling
// back to the current directory when the home directory is unknown.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittobox")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittobox")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
