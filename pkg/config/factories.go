package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/account"
	accountBadger "github.com/marmos91/dittobox/pkg/account/badger"
	"github.com/marmos91/dittobox/pkg/storage"
	storageFs "github.com/marmos91/dittobox/pkg/storage/fs"
	storageMemory "github.com/marmos91/dittobox/pkg/storage/memory"
	storageS3 "github.com/marmos91/dittobox/pkg/storage/s3"
	"github.com/mitchellh/mapstructure"
)

// CreateContentStore creates the content store selected by cfg.Type,
// decoding the options map of the same name.
//
// Supported types:
//   - "filesystem": pkg/storage/fs, one directory per account
//   - "memory": pkg/storage/memory, lost on restart
//   - "s3": pkg/storage/s3, Amazon S3 or a compatible service
//
// Parameters:
//   - ctx: Context for backend initialization (bucket checks, directory setup)
//   - cfg: Storage section of the configuration
//
// Returns:
//   - storage.ContentStore: Ready-to-use store
//   - error: Error if the type is unknown or the backend cannot start
func CreateContentStore(ctx context.Context, cfg *StorageConfig) (storage.ContentStore, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemContentStore(ctx, cfg.Filesystem)
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return storageMemory.NewMemoryContentStore(), nil
	case "s3":
		return createS3ContentStore(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown content store type: %q", cfg.Type)
	}
}

func createFilesystemContentStore(ctx context.Context, options map[string]any) (storage.ContentStore, error) {
	type FilesystemContentStoreConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg FilesystemContentStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem content store config: %w", err)
	}

	if storeCfg.Path == "" {
		return nil, fmt.Errorf("filesystem content store: path is required")
	}

	store, err := storageFs.NewFSContentStore(ctx, storeCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem content store: %w", err)
	}

	return store, nil
}

func createS3ContentStore(ctx context.Context, options map[string]any) (storage.ContentStore, error) {
	type S3ContentStoreConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3ContentStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 content store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 content store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 content store: region is required")
	}

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(storeCfg.Region),
	}

	// Without static keys the default credential chain applies.
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(storeCfg.AccessKeyID, storeCfg.SecretAccessKey, ""),
		))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and Localstack need path-style addressing.
		if storeCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(storeCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	store, err := storageS3.NewS3ContentStore(ctx, storageS3.S3ContentStoreConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 content store: %w", err)
	}

	logger.Info("S3 content store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return store, nil
}

// CreateAccountStore creates the account persistence backend selected by
// cfg.Store.
//
// Supported types:
//   - "memory": nothing survives a restart
//   - "badger": pkg/account/badger, decoded from cfg.Badger (db_path)
func CreateAccountStore(ctx context.Context, cfg *AccountsConfig) (account.Store, error) {
	switch cfg.Store {
	case "memory":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return account.NewMemoryStore(), nil
	case "badger":
		return createBadgerAccountStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown account store type: %q", cfg.Store)
	}
}

func createBadgerAccountStore(ctx context.Context, options map[string]any) (account.Store, error) {
	type BadgerAccountStoreConfig struct {
		DBPath string `mapstructure:"db_path"`
	}

	var storeCfg BadgerAccountStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger account store config: %w", err)
	}

	if storeCfg.DBPath == "" {
		return nil, fmt.Errorf("badger account store: db_path is required")
	}

	store, err := accountBadger.New(ctx, accountBadger.Config{DBPath: storeCfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger account store: %w", err)
	}

	logger.Info("Badger account store opened at %s", storeCfg.DBPath)
	return store, nil
}
