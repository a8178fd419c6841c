package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittobox/internal/protocol/box"
	boxadapter "github.com/marmos91/dittobox/pkg/adapter/box"
)

// DefaultQuotaLimit is the per-account storage limit: 50 MiB.
const DefaultQuotaLimit int64 = 50 * 1024 * 1024

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyAccountsDefaults(&cfg.Accounts)
	applyStorageDefaults(&cfg.Storage)
	applyWorkersDefaults(&cfg.Workers)
	applyAdaptersDefaults(&cfg.Adapters, cfg.Accounts.QuotaLimit)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyAccountsDefaults(cfg *AccountsConfig) {
	if cfg.Store == "" {
		cfg.Store = "memory"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "accounts.db"
	}
	if cfg.QuotaLimit == 0 {
		cfg.QuotaLimit = DefaultQuotaLimit
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = "tmp_storage"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = "storage"
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Hour
	}
	if cfg.GC.MaxAge == 0 {
		cfg.GC.MaxAge = 24 * time.Hour
	}
}

func applyWorkersDefaults(cfg *WorkersConfig) {
	if cfg.Storage == 0 {
		cfg.Storage = 4
	}
}

// applyAdaptersDefaults fills adapter settings. Enabled is left alone: a
// bool cannot tell "unset" from false, so Load seeds it through viper
// (see setupViper) and GetDefaultConfig sets it directly.
func applyAdaptersDefaults(cfg *AdaptersConfig, quotaLimit int64) {
	applyBoxDefaults(&cfg.Box, quotaLimit)
}

func applyBoxDefaults(cfg *boxadapter.BoxConfig, quotaLimit int64) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ClientWorkers == 0 {
		cfg.ClientWorkers = 4
	}
	if cfg.AdmissionCapacity == 0 {
		cfg.AdmissionCapacity = 256
	}
	if cfg.Framing == "" {
		cfg.Framing = box.FramingSentinel
	}
	// Nothing larger than the quota can ever be stored.
	if cfg.MaxUploadSize == 0 && quotaLimit > 0 {
		cfg.MaxUploadSize = quotaLimit
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Adapters: AdaptersConfig{
			Box: boxadapter.BoxConfig{Enabled: true},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
