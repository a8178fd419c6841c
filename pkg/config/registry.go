package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/gc"
	"github.com/marmos91/dittobox/pkg/metrics"
	"github.com/marmos91/dittobox/pkg/registry"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/marmos91/dittobox/pkg/task"
)

// InitializeRegistry builds every shared service from cfg and returns a
// registry that passes Validate.
//
// Initialization order:
//  1. Content store (cfg.Storage)
//  2. Account directory on top of the account store, restored from it
//  3. Seed accounts that do not exist yet
//  4. Staging directory (cfg.Storage.TmpDir), swept of leftover uploads
//  5. Storage task pool with an executor bound to the services above
//
// The task pool is created but not started; the server starts it.
// On error every service created so far is closed.
//
// Parameters:
//   - ctx: Context for store initialization and account loading
//   - cfg: Validated configuration
//   - m: Metrics sink for the task pool, or nil for none
//
// Returns:
//   - *registry.Registry: Registry holding every shared service
//   - error: First initialization failure
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, err := config.InitializeRegistry(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
//	defer reg.Close()
func InitializeRegistry(ctx context.Context, cfg *Config, m metrics.BoxMetrics) (_ *registry.Registry, err error) {
	logger.Debug("Initializing registry from configuration")

	reg := registry.NewRegistry()
	defer func() {
		if err != nil {
			if closeErr := reg.Close(); closeErr != nil {
				logger.Warn("Failed to release services after init error: %v", closeErr)
			}
		}
	}()

	content, err := CreateContentStore(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create content store: %w", err)
	}
	if err := reg.RegisterContentStore(cfg.Storage.Type, content); err != nil {
		_ = content.Close()
		return nil, err
	}
	logger.Debug("Registered %s content store", cfg.Storage.Type)

	dir, err := initializeAccounts(ctx, &cfg.Accounts, content)
	if err != nil {
		return nil, err
	}
	if err := reg.SetAccounts(dir); err != nil {
		_ = dir.Close()
		return nil, err
	}

	staging, err := storage.NewStaging(cfg.Storage.TmpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := reg.SetStaging(staging); err != nil {
		return nil, err
	}

	// Nothing is in flight yet, so every staged file is a leftover.
	stats, err := gc.NewCollector(staging, stagingGCConfig(&cfg.Storage.GC)).RunNow(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep staging directory: %w", err)
	}
	if stats.RemovedCount > 0 {
		logger.Info("Removed %d abandoned upload(s) from %s", stats.RemovedCount, staging.Dir())
	}

	executor := task.NewExecutor(task.ExecutorConfig{
		Accounts:   dir,
		Content:    content,
		Staging:    staging,
		QuotaLimit: cfg.Accounts.QuotaLimit,
		Metrics:    m,
	})
	if err := reg.SetTaskPool(task.NewPool(cfg.Workers.Storage, executor, m)); err != nil {
		return nil, err
	}

	if err := reg.Validate(); err != nil {
		return nil, errors.Join(errors.New("registry incomplete"), err)
	}

	logger.Info("Registry ready: %d account(s), %s storage, %d storage worker(s)",
		dir.Count(), cfg.Storage.Type, cfg.Workers.Storage)
	return reg, nil
}

// initializeAccounts opens the account store, restores the directory from
// it and creates the seed accounts.
func initializeAccounts(ctx context.Context, cfg *AccountsConfig, content storage.ContentStore) (*account.Directory, error) {
	store, err := CreateAccountStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create account store: %w", err)
	}

	dir := account.NewDirectory(account.Options{
		Store:           store,
		Provision:       content.Provision,
		LegacyOverwrite: cfg.LegacyOverwrite,
	})

	restored, err := dir.Load(ctx)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	if restored > 0 {
		logger.Info("Restored %d account(s) from %s store", restored, cfg.Store)
	}

	for _, seed := range cfg.Seed {
		created, err := dir.FindOrCreate(ctx, seed.Username, seed.Password)
		if err != nil {
			_ = dir.Close()
			return nil, fmt.Errorf("failed to seed account %q: %w", seed.Username, err)
		}
		if created {
			logger.Info("Seeded account %s", seed.Username)
		}
	}

	return dir, nil
}

// CreateStagingCollector returns the periodic staging collector, or nil
// when cfg.Storage.GC.Disabled is set. The caller starts and stops it.
func CreateStagingCollector(cfg *Config, staging *storage.Staging) *gc.Collector {
	if cfg.Storage.GC.Disabled {
		return nil
	}
	return gc.NewCollector(staging, stagingGCConfig(&cfg.Storage.GC))
}

func stagingGCConfig(cfg *StagingGCConfig) gc.Config {
	return gc.Config{
		Interval: cfg.Interval,
		MaxAge:   cfg.MaxAge,
		DryRun:   cfg.DryRun,
	}
}
