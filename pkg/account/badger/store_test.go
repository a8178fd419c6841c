package badger

import (
	"context"
	"testing"

	"github.com/marmos91/dittobox/pkg/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	snap := account.Snapshot{
		Username:  "alice",
		Password:  "pw",
		QuotaUsed: 8,
		Files:     []account.FileRecord{{Name: "a", Size: 3}, {Name: "b", Size: 5}},
	}
	require.NoError(t, store.SaveAccount(ctx, snap))
	require.NoError(t, store.SaveAccount(ctx, account.Snapshot{Username: "bob", Password: "x"}))

	snaps, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, snap, snaps[0])
	assert.Equal(t, "bob", snaps[1].Username)
}

func TestDirectorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	store, err := New(ctx, Config{DBPath: path})
	require.NoError(t, err)

	dir := account.NewDirectory(account.Options{Store: store})
	require.NoError(t, dir.CreateAccount(ctx, "alice", "pw"))
	dir.AddFile(ctx, "alice", "notes.txt", 5)
	require.NoError(t, dir.Close())

	store, err = New(ctx, Config{DBPath: path})
	require.NoError(t, err)
	dir = account.NewDirectory(account.Options{Store: store})
	defer dir.Close()

	n, err := dir.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := dir.ListFiles("alice")
	require.NoError(t, err)
	assert.Equal(t, "Storage used: 5 bytes\nnotes.txt (5 bytes)\n", report)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestLoadHonorsCancellation(t *testing.T) {
	store, err := New(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveAccount(context.Background(), account.Snapshot{Username: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.LoadAccounts(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
