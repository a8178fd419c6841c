package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/marmos91/dittobox/pkg/storage/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir     *account.Directory
	content *fs.FSContentStore
	staging *storage.Staging
	pool    *Pool
}

func newFixture(t *testing.T, quota int64) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	content, err := fs.NewFSContentStore(ctx, filepath.Join(root, "storage"))
	require.NoError(t, err)
	staging, err := storage.NewStaging(filepath.Join(root, "tmp_storage"))
	require.NoError(t, err)

	dir := account.NewDirectory(account.Options{Provision: content.Provision})
	require.NoError(t, dir.CreateAccount(ctx, "alice", "secret"))

	exec := NewExecutor(ExecutorConfig{
		Accounts:   dir,
		Content:    content,
		Staging:    staging,
		QuotaLimit: quota,
	})

	f := &fixture{dir: dir, content: content, staging: staging, pool: startPool(t, 4, exec)}
	return f
}

// upload stages data and submits an upload task, returning the task.
func (f *fixture) upload(t *testing.T, user, name string, data []byte) *Task {
	t.Helper()
	staged, err := f.staging.Create(name)
	require.NoError(t, err)
	_, err = staged.Write(data)
	require.NoError(t, err)
	require.NoError(t, staged.Close())

	tk := NewUpload(user, name, staged.Path(), staged.Size())
	require.NoError(t, f.pool.Submit(context.Background(), tk))
	return tk
}

func (f *fixture) submit(t *testing.T, tk *Task) *Task {
	t.Helper()
	require.NoError(t, f.pool.Submit(context.Background(), tk))
	return tk
}

func stagedFiles(t *testing.T, s *storage.Staging) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	return entries
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t, 1024)

	up := f.upload(t, "alice", "notes.txt", []byte("hello"))
	require.NoError(t, up.Err())
	assert.Empty(t, stagedFiles(t, f.staging))

	down := f.submit(t, NewDownload("alice", "notes.txt"))
	require.NoError(t, down.Err())
	assert.Equal(t, "hello", string(down.Result()))

	list := f.submit(t, NewList("alice"))
	require.NoError(t, list.Err())
	assert.Equal(t, "Storage used: 5 bytes\nnotes.txt (5 bytes)\n", string(list.Result()))
}

func TestUploadOverQuotaLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.upload(t, "alice", "a", []byte("123456")).Err())

	tk := f.upload(t, "alice", "b", []byte("123456"))
	assert.ErrorIs(t, tk.Err(), account.ErrQuotaExceeded)
	assert.Equal(t, "Quota exceeded", Message(tk.Err()))

	u, err := f.dir.Usage("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6), u.QuotaUsed)
	assert.Equal(t, 1, u.Files)
	assert.Empty(t, stagedFiles(t, f.staging), "rejected upload must remove its staged file")

	ok, err := f.content.Exists(context.Background(), "alice", "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadUnknownAccount(t *testing.T) {
	f := newFixture(t, 10)
	tk := f.upload(t, "mallory", "a", []byte("x"))
	assert.ErrorIs(t, tk.Err(), account.ErrNotFound)
	assert.Empty(t, stagedFiles(t, f.staging))
}

func TestUploadOverwriteKeepsSumInvariant(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.upload(t, "alice", "f", make([]byte, 60)).Err())
	require.NoError(t, f.upload(t, "alice", "f", make([]byte, 70)).Err())

	u, err := f.dir.Usage("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), u.QuotaUsed)
}

func TestDownloadMissing(t *testing.T) {
	f := newFixture(t, 10)
	tk := f.submit(t, NewDownload("alice", "nope"))
	assert.ErrorIs(t, tk.Err(), storage.ErrNotFound)
	assert.Equal(t, "File not found", Message(tk.Err()))
}

func TestDelete(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.upload(t, "alice", "f", []byte("abc")).Err())

	require.NoError(t, f.submit(t, NewDelete("alice", "f")).Err())

	u, err := f.dir.Usage("alice")
	require.NoError(t, err)
	assert.Zero(t, u.QuotaUsed)
	assert.Zero(t, u.Files)

	tk := f.submit(t, NewDelete("alice", "f"))
	assert.ErrorIs(t, tk.Err(), storage.ErrNotFound)
}

func TestDeleteSucceedsWithoutRecord(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, os.WriteFile(filepath.Join(f.content.BasePath(), "alice", "orphan"), []byte("x"), 0o644))

	tk := f.submit(t, NewDelete("alice", "orphan"))
	assert.NoError(t, tk.Err())
}

func TestListUnknownAccount(t *testing.T) {
	f := newFixture(t, 10)
	tk := f.submit(t, NewList("nobody"))
	assert.ErrorIs(t, tk.Err(), account.ErrNotFound)
}

func TestConcurrentUploadsNeverOvercommit(t *testing.T) {
	const quota = 1000
	const size = 100
	f := newFixture(t, quota)

	tasks := make([]*Task, 40)
	for i := range tasks {
		name := fmt.Sprintf("f%02d", i)
		staged, err := f.staging.Create(name)
		require.NoError(t, err)
		_, err = staged.Write(make([]byte, size))
		require.NoError(t, err)
		require.NoError(t, staged.Close())
		tasks[i] = NewUpload("alice", name, staged.Path(), staged.Size())
	}

	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func(tk *Task) {
			defer wg.Done()
			assert.NoError(t, f.pool.Submit(context.Background(), tk))
		}(tk)
	}
	wg.Wait()

	u, err := f.dir.Usage("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(quota), u.QuotaUsed)
	assert.Equal(t, quota/size, u.Files)
	assert.Zero(t, u.Reserved)
	assert.Empty(t, stagedFiles(t, f.staging))

	entries, err := os.ReadDir(filepath.Join(f.content.BasePath(), "alice"))
	require.NoError(t, err)
	assert.Len(t, entries, quota/size)
}

type shortReadStore struct {
	storage.ContentStore
}

func (s shortReadStore) Open(ctx context.Context, username, filename string) (io.ReadCloser, int64, error) {
	rc, size, err := s.ContentStore.Open(ctx, username, filename)
	return rc, size + 10, err
}

func TestDownloadPartialRead(t *testing.T) {
	f := newFixture(t, 100)
	require.NoError(t, f.upload(t, "alice", "f", []byte("abc")).Err())

	exec := NewExecutor(ExecutorConfig{
		Accounts: f.dir,
		Content:  shortReadStore{f.content},
		Staging:  f.staging,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := exec.Execute(ctx, NewDownload("alice", "f"))
	assert.ErrorIs(t, err, ErrPartialRead)
	assert.Equal(t, "Partial read", Message(err))
}

// hookStore runs beforeCommit ahead of every Commit.
type hookStore struct {
	storage.ContentStore
	beforeCommit func()
}

func (s hookStore) Commit(ctx context.Context, username, filename, stagedPath string) error {
	s.beforeCommit()
	return s.ContentStore.Commit(ctx, username, filename, stagedPath)
}

func TestUploadOverwriteRecheckedAtCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	require.NoError(t, f.upload(t, "alice", "f", make([]byte, 90)).Err())

	exec := NewExecutor(ExecutorConfig{
		Accounts: f.dir,
		Content: hookStore{ContentStore: f.content, beforeCommit: func() {
			// A delete and another upload land between reserve and commit.
			_, err := f.dir.RemoveFile(ctx, "alice", "f")
			require.NoError(t, err)
			f.dir.AddFile(ctx, "alice", "g", 90)
		}},
		Staging:    f.staging,
		QuotaLimit: 100,
	})

	staged, err := f.staging.Create("f")
	require.NoError(t, err)
	_, err = staged.Write(make([]byte, 95))
	require.NoError(t, err)
	require.NoError(t, staged.Close())

	_, err = exec.Execute(ctx, NewUpload("alice", "f", staged.Path(), staged.Size()))
	assert.ErrorIs(t, err, account.ErrQuotaExceeded)

	u, err := f.dir.Usage("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(90), u.QuotaUsed)
	assert.Zero(t, u.Reserved)

	ok, err := f.content.Exists(ctx, "alice", "f")
	require.NoError(t, err)
	assert.False(t, ok, "an unrecorded upload must not stay in storage")
}
