package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/marmos91/dittobox/pkg/task"
)

// Registry holds the shared services a protocol adapter needs to serve
// clients: the account directory, the content stores, the upload staging
// area and the storage task pool.
//
// It also tracks authenticated sessions. Session information is ephemeral
// and kept in memory only.
//
// Example usage:
//
//	reg := NewRegistry()
//	reg.SetAccounts(dir)
//	reg.RegisterContentStore("local", fsStore)
//	reg.SetStaging(staging)
//	reg.SetTaskPool(pool)
//	if err := reg.Validate(); err != nil { ... }
type Registry struct {
	mu sync.RWMutex

	accounts *account.Directory
	content  map[string]storage.ContentStore
	staging  *storage.Staging
	tasks    *task.Pool

	sessions map[string]*SessionInfo // key: session id
}

// SessionInfo describes an authenticated client session.
type SessionInfo struct {
	ID         string
	ClientAddr string
	Username   string
	LoginTime  int64 // Unix timestamp of the successful LOGIN
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		content:  make(map[string]storage.ContentStore),
		sessions: make(map[string]*SessionInfo),
	}
}

// SetAccounts installs the account directory.
func (r *Registry) SetAccounts(dir *account.Directory) error {
	if dir == nil {
		return fmt.Errorf("cannot register nil account directory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accounts != nil {
		return fmt.Errorf("account directory already registered")
	}
	r.accounts = dir
	return nil
}

// Accounts returns the account directory, or nil before SetAccounts.
func (r *Registry) Accounts() *account.Directory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accounts
}

// RegisterContentStore adds a named content store to the registry.
// Returns an error if a store with the same name already exists.
func (r *Registry) RegisterContentStore(name string, store storage.ContentStore) error {
	if store == nil {
		return fmt.Errorf("cannot register nil content store")
	}
	if name == "" {
		return fmt.Errorf("cannot register content store with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.content[name]; exists {
		return fmt.Errorf("content store %q already registered", name)
	}

	r.content[name] = store
	return nil
}

// GetContentStore returns the content store registered under name.
func (r *Registry) GetContentStore(name string) (storage.ContentStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	store, ok := r.content[name]
	if !ok {
		return nil, fmt.Errorf("content store %q not found", name)
	}
	return store, nil
}

// ListContentStores returns the registered content store names in sorted
// order.
func (r *Registry) ListContentStores() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.content))
	for name := range r.content {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CountContentStores returns the number of registered content stores.
func (r *Registry) CountContentStores() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.content)
}

// SetStaging installs the temporary upload area.
func (r *Registry) SetStaging(s *storage.Staging) error {
	if s == nil {
		return fmt.Errorf("cannot register nil staging area")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staging != nil {
		return fmt.Errorf("staging area already registered")
	}
	r.staging = s
	return nil
}

// Staging returns the temporary upload area, or nil before SetStaging.
func (r *Registry) Staging() *storage.Staging {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staging
}

// SetTaskPool installs the storage worker pool.
func (r *Registry) SetTaskPool(p *task.Pool) error {
	if p == nil {
		return fmt.Errorf("cannot register nil task pool")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tasks != nil {
		return fmt.Errorf("task pool already registered")
	}
	r.tasks = p
	return nil
}

// TaskPool returns the storage worker pool, or nil before SetTaskPool.
func (r *Registry) TaskPool() *task.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks
}

// Validate reports every service that is still missing.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	if r.accounts == nil {
		errs = append(errs, errors.New("account directory not registered"))
	}
	if len(r.content) == 0 {
		errs = append(errs, errors.New("no content store registered"))
	}
	if r.staging == nil {
		errs = append(errs, errors.New("staging area not registered"))
	}
	if r.tasks == nil {
		errs = append(errs, errors.New("task pool not registered"))
	}
	return errors.Join(errs...)
}

// RecordSession records a successful login.
func (r *Registry) RecordSession(info SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := info
	r.sessions[info.ID] = &stored
}

// RemoveSession forgets a session. Returns true if it was recorded.
func (r *Registry) RemoveSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// ListSessions returns a copy of every authenticated session, oldest login
// first.
func (r *Registry) ListSessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoginTime != out[j].LoginTime {
			return out[i].LoginTime < out[j].LoginTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountSessions returns the number of authenticated sessions.
func (r *Registry) CountSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes the account directory and every content store. All close
// errors are returned joined.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.accounts != nil {
		if err := r.accounts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close account directory: %w", err))
		}
	}
	for name, store := range r.content {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close content store %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
