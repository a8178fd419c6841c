// Package memory implements storage.ContentStore in process memory. It backs
// tests and ephemeral deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/marmos91/dittobox/pkg/storage"
)

// MemoryContentStore keeps every object as a byte slice.
type MemoryContentStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

var _ storage.ContentStore = (*MemoryContentStore)(nil)

// NewMemoryContentStore creates an empty store.
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{objects: make(map[string]map[string][]byte)}
}

func (s *MemoryContentStore) Provision(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateName(username); err != nil {
		return fmt.Errorf("username %q: %w", username, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[username]; !ok {
		s.objects[username] = make(map[string][]byte)
	}
	return nil
}

// Commit reads the staged file into memory and removes it.
func (s *MemoryContentStore) Commit(ctx context.Context, username, filename, stagedPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateName(filename); err != nil {
		return fmt.Errorf("filename %q: %w", filename, err)
	}

	data, err := os.ReadFile(stagedPath)
	if err != nil {
		return fmt.Errorf("read staged file: %w: %v", storage.ErrIO, err)
	}

	s.mu.Lock()
	ns, ok := s.objects[username]
	if !ok {
		ns = make(map[string][]byte)
		s.objects[username] = ns
	}
	ns[filename] = data
	s.mu.Unlock()

	_ = os.Remove(stagedPath)
	return nil
}

func (s *MemoryContentStore) Open(ctx context.Context, username, filename string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	data, ok := s.objects[username][filename]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
	}

	// Committed slices are never mutated, so readers can share them.
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *MemoryContentStore) Exists(ctx context.Context, username, filename string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[username][filename]
	return ok, nil
}

func (s *MemoryContentStore) Delete(ctx context.Context, username, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.objects[username]
	if _, ok := ns[filename]; !ok {
		return fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
	}
	delete(ns, filename)
	return nil
}

func (s *MemoryContentStore) Close() error {
	return nil
}
