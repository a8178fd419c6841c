package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()

	cfg := GetDefaultConfig()
	cfg.Storage.Filesystem["path"] = filepath.Join(dir, "storage")
	cfg.Storage.TmpDir = filepath.Join(dir, "tmp_storage")
	cfg.Accounts.Badger["db_path"] = filepath.Join(dir, "accounts.db")
	return cfg
}

func TestInitializeRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Accounts.Seed = []SeedAccount{
		{Username: "hello", Password: "hello1234"},
		{Username: "test", Password: "test123"},
	}

	reg, err := InitializeRegistry(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()

	require.NoError(t, reg.Validate())
	assert.Equal(t, []string{"filesystem"}, reg.ListContentStores())
	assert.Equal(t, cfg.Storage.TmpDir, reg.Staging().Dir())
	assert.NotNil(t, reg.TaskPool())

	dir := reg.Accounts()
	assert.Equal(t, 2, dir.Count())
	assert.NoError(t, dir.CheckCredentials("hello", "hello1234"))
	assert.NoError(t, dir.CheckCredentials("test", "test123"))

	// Seeding provisions the per-account namespace.
	assert.DirExists(t, filepath.Join(cfg.Storage.Filesystem["path"].(string), "hello"))
}

func TestInitializeRegistry_BadgerRestoresAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Accounts.Store = "badger"
	ctx := context.Background()

	reg, err := InitializeRegistry(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Accounts().CreateAccount(ctx, "alice", "secret"))
	require.NoError(t, reg.Close())

	reg, err = InitializeRegistry(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()

	assert.True(t, reg.Accounts().Exists("alice"))
	assert.NoError(t, reg.Accounts().CheckCredentials("alice", "secret"))
}

func TestInitializeRegistry_SeedDoesNotResetPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.Accounts.Store = "badger"
	ctx := context.Background()

	reg, err := InitializeRegistry(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Accounts().CreateAccount(ctx, "hello", "original"))
	require.NoError(t, reg.Close())

	cfg.Accounts.Seed = []SeedAccount{{Username: "hello", Password: "hello1234"}}
	reg, err = InitializeRegistry(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()

	assert.NoError(t, reg.Accounts().CheckCredentials("hello", "original"))
}

func TestInitializeRegistry_InvalidStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "tape"

	_, err := InitializeRegistry(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create content store")
}

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig())

	assert.Nil(t, result.Server)
	require.NotNil(t, result.BoxMetrics)
	result.BoxMetrics.RecordQuotaRejection()
}

func TestCreateAdapters(t *testing.T) {
	cfg := GetDefaultConfig()

	adapters, err := CreateAdapters(cfg, nil)
	require.NoError(t, err)
	require.Len(t, adapters, 1)
	assert.Equal(t, "BOX", adapters[0].Protocol())
	assert.Equal(t, 8080, adapters[0].Port())

	cfg.Adapters.Box.Enabled = false
	_, err = CreateAdapters(cfg, nil)
	assert.Error(t, err)
}

func TestInitializeRegistry_SweepsStaging(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Storage.TmpDir, 0o755))
	leftover := filepath.Join(cfg.Storage.TmpDir, "notes.txt_1_abc.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))

	reg, err := InitializeRegistry(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()

	assert.NoFileExists(t, leftover)
}

func TestCreateStagingCollector(t *testing.T) {
	cfg := testConfig(t)
	reg, err := InitializeRegistry(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = reg.Close() }()

	assert.NotNil(t, CreateStagingCollector(cfg, reg.Staging()))

	cfg.Storage.GC.Disabled = true
	assert.Nil(t, CreateStagingCollector(cfg, reg.Staging()))
}
