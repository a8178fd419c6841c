// Package testing provides a conformance suite for storage.ContentStore
// implementations.
package testing

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the ContentStore contract, not implementation details,
// so it can run against every backend (memory, filesystem, S3).
//
// Usage:
//
//	func TestMyContentStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) storage.ContentStore {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh ContentStore for each test.
	NewStore func(t *testing.T) storage.ContentStore
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("ProvisionIsIdempotent", suite.testProvision)
	t.Run("CommitAndOpen", suite.testCommitAndOpen)
	t.Run("CommitOverwrites", suite.testCommitOverwrites)
	t.Run("CommitEmpty", suite.testCommitEmpty)
	t.Run("OpenMissing", suite.testOpenMissing)
	t.Run("Delete", suite.testDelete)
	t.Run("NamespacesAreIsolated", suite.testIsolation)
	t.Run("RejectsInvalidNames", suite.testInvalidNames)
	t.Run("ConcurrentCommits", suite.testConcurrentCommits)
}

func (suite *StoreTestSuite) newStore(t *testing.T) storage.ContentStore {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stage writes data to a fresh staged file and returns its path.
func stage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.tmp")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// MustCommit stages data and commits it as username/filename.
func MustCommit(t *testing.T, s storage.ContentStore, username, filename string, data []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, username))
	path := stage(t, data)
	require.NoError(t, s.Commit(ctx, username, filename, path))
	assert.NoFileExists(t, path, "staged file must be consumed by Commit")
}

// MustRead reads username/filename fully and checks the reported size.
func MustRead(t *testing.T, s storage.ContentStore, username, filename string) []byte {
	t.Helper()
	rc, size, err := s.Open(context.Background(), username, filename)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, size, int64(len(data)), "reported size must match content")
	return data
}

func (suite *StoreTestSuite) testProvision(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, "alice"))
	require.NoError(t, s.Provision(ctx, "alice"))
}

func (suite *StoreTestSuite) testCommitAndOpen(t *testing.T) {
	s := suite.newStore(t)
	MustCommit(t, s, "alice", "notes.txt", []byte("hello"))

	assert.Equal(t, "hello", string(MustRead(t, s, "alice", "notes.txt")))

	ok, err := s.Exists(context.Background(), "alice", "notes.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func (suite *StoreTestSuite) testCommitOverwrites(t *testing.T) {
	s := suite.newStore(t)
	MustCommit(t, s, "alice", "f", []byte("first version"))
	MustCommit(t, s, "alice", "f", []byte("second"))

	assert.Equal(t, "second", string(MustRead(t, s, "alice", "f")))
}

func (suite *StoreTestSuite) testCommitEmpty(t *testing.T) {
	s := suite.newStore(t)
	MustCommit(t, s, "alice", "empty", nil)

	assert.Empty(t, MustRead(t, s, "alice", "empty"))
}

func (suite *StoreTestSuite) testOpenMissing(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, "alice"))

	_, _, err := s.Open(ctx, "alice", "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := s.Exists(ctx, "alice", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()
	MustCommit(t, s, "alice", "f", []byte("x"))

	require.NoError(t, s.Delete(ctx, "alice", "f"))

	ok, err := s.Exists(ctx, "alice", "f")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Delete(ctx, "alice", "f"), storage.ErrNotFound)
}

func (suite *StoreTestSuite) testIsolation(t *testing.T) {
	s := suite.newStore(t)
	MustCommit(t, s, "alice", "f", []byte("alice's"))
	MustCommit(t, s, "bob", "f", []byte("bob's"))

	assert.Equal(t, "alice's", string(MustRead(t, s, "alice", "f")))
	assert.Equal(t, "bob's", string(MustRead(t, s, "bob", "f")))
}

func (suite *StoreTestSuite) testInvalidNames(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, "alice"))

	for _, name := range []string{"", ".", "..", "../bob/f", "a/b"} {
		err := s.Commit(ctx, "alice", name, stage(t, []byte("x")))
		assert.ErrorIs(t, err, storage.ErrInvalidName, "name %q", name)
	}
}

func (suite *StoreTestSuite) testConcurrentCommits(t *testing.T) {
	s := suite.newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Provision(ctx, "alice"))

	const n = 16
	paths := make([]string, n)
	for i := range paths {
		paths[i] = stage(t, []byte{byte('a' + i)})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Commit(ctx, "alice", string(rune('a'+i)), paths[i]))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		assert.Equal(t, []byte{byte('a' + i)}, MustRead(t, s, "alice", name))
	}
}
