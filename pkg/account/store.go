package account

import (
	"context"
	"sort"
	"sync"
)

// Store persists account snapshots so the directory can be rebuilt after a
// restart.
//
// The Directory calls SaveAccount after every committed mutation while it
// still holds that account's lock, so saves for a single account are
// serialized and arrive in mutation order. Implementations must be safe for
// concurrent use across different accounts.
type Store interface {
	// LoadAccounts returns every persisted account.
	LoadAccounts(ctx context.Context) ([]Snapshot, error)

	// SaveAccount replaces the persisted state of one account.
	SaveAccount(ctx context.Context, snap Snapshot) error

	// Close releases the store's resources.
	Close() error
}

// MemoryStore keeps snapshots in process memory. It is the default store and
// offers no persistence across restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) LoadAccounts(ctx context.Context) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, copySnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) SaveAccount(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Username] = copySnapshot(snap)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copySnapshot(snap Snapshot) Snapshot {
	files := make([]FileRecord, len(snap.Files))
	copy(files, snap.Files)
	snap.Files = files
	return snap
}
