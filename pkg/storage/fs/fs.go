// Package fs implements storage.ContentStore on the local filesystem.
//
// Layout: <basePath>/<username>/<filename>.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/storage"
)

// FSContentStore stores every account's files in its own directory under
// basePath.
//
// Thread Safety:
// Operations on different objects are independent at the OS level. Commit
// replaces objects with a rename, so a concurrent Open sees either the old or
// the new content, never a mix.
type FSContentStore struct {
	basePath string
}

var _ storage.ContentStore = (*FSContentStore)(nil)

// NewFSContentStore creates the store, creating basePath with permissions
// 0755 if it doesn't exist.
//
// Parameters:
//   - ctx: Context for cancellation
//   - basePath: Root directory; one subdirectory per account lives under it
//
// Returns a store ready for use, or an error if basePath cannot be created.
func NewFSContentStore(ctx context.Context, basePath string) (*FSContentStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if basePath == "" {
		return nil, fmt.Errorf("filesystem content store: path is required")
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSContentStore{basePath: basePath}, nil
}

// BasePath returns the storage root.
func (s *FSContentStore) BasePath() string {
	return s.basePath
}

func (s *FSContentStore) userDir(username string) string {
	return filepath.Join(s.basePath, username)
}

func (s *FSContentStore) objectPath(username, filename string) (string, error) {
	if err := storage.ValidateName(username); err != nil {
		return "", fmt.Errorf("username %q: %w", username, err)
	}
	if err := storage.ValidateName(filename); err != nil {
		return "", fmt.Errorf("filename %q: %w", filename, err)
	}
	return filepath.Join(s.userDir(username), filename), nil
}

// Provision creates <basePath>/<username>.
func (s *FSContentStore) Provision(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateName(username); err != nil {
		return fmt.Errorf("username %q: %w", username, err)
	}

	if err := os.MkdirAll(s.userDir(username), 0o755); err != nil {
		return fmt.Errorf("create namespace for %s: %w: %v", username, storage.ErrIO, err)
	}
	return nil
}

// Commit moves the staged file into place.
//
// The fast path is a single os.Rename. When that fails (typically because
// the staging area lives on another filesystem) the bytes are copied into a
// temporary sibling of the destination, synced and renamed into place, and
// the staged file is removed. Either way readers never observe a partially
// written object.
//
// Parameters:
//   - ctx: Checked before any filesystem work
//   - username: Owning account; its directory is recreated if missing
//   - filename: Object name, validated with storage.ValidateName
//   - stagedPath: Staged file to move
//
// Returns:
//   - error: storage.ErrInvalidName for a bad filename, otherwise
//     storage.ErrIO wrapping the OS error (a missing staged file included)
func (s *FSContentStore) Commit(ctx context.Context, username, filename, stagedPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst, err := s.objectPath(username, filename)
	if err != nil {
		return err
	}

	// The namespace normally exists since signup; recreate it if the storage
	// root was wiped underneath a persisted account.
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("commit %s/%s: %w: %v", username, filename, storage.ErrIO, err)
	}

	renameErr := os.Rename(stagedPath, dst)
	if renameErr == nil {
		return nil
	}

	logger.Debug("Rename %s -> %s failed (%v), falling back to copy", stagedPath, dst, renameErr)

	if err := copyInto(stagedPath, dst); err != nil {
		return fmt.Errorf("commit %s/%s: %w: %v", username, filename, storage.ErrIO, err)
	}

	if err := os.Remove(stagedPath); err != nil {
		logger.Warn("Committed %s/%s but failed to remove staged file %s: %v", username, filename, stagedPath, err)
	}
	return nil
}

// copyInto copies src to a temporary file in dst's directory and renames it
// over dst.
func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// Not derived from dst's name, which may already be at the length limit.
	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.NewString()+".part")
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Open opens the object for reading.
func (s *FSContentStore) Open(ctx context.Context, username, filename string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	path, err := s.objectPath(username, filename)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open %s/%s: %w: %v", username, filename, storage.ErrIO, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat %s/%s: %w: %v", username, filename, storage.ErrIO, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s/%s is not a regular file: %w", username, filename, storage.ErrNotFound)
	}

	return f, info.Size(), nil
}

// Exists reports whether the object exists.
func (s *FSContentStore) Exists(ctx context.Context, username, filename string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path, err := s.objectPath(username, filename)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s/%s: %w: %v", username, filename, storage.ErrIO, err)
	}
}

// Delete unlinks the object.
func (s *FSContentStore) Delete(ctx context.Context, username, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.objectPath(username, filename)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
		}
		return fmt.Errorf("remove %s/%s: %w: %v", username, filename, storage.ErrIO, err)
	}
	return nil
}

// Close is a no-op.
func (s *FSContentStore) Close() error {
	return nil
}
