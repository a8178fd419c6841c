// Package badger persists account snapshots in an embedded BadgerDB.
//
// Key layout:
//
//	a:<username>  ->  JSON-encoded account.Snapshot
//
// Every account lives under the "a:" prefix so LoadAccounts is a single
// prefix scan.
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittobox/pkg/account"
)

const accountPrefix = "a:"

func accountKey(username string) []byte {
	return []byte(accountPrefix + username)
}

// Config configures the BadgerDB account store.
type Config struct {
	// DBPath is the directory BadgerDB keeps its files in. Ignored when
	// InMemory is set.
	DBPath string

	// InMemory runs BadgerDB without touching disk. Useful for tests.
	InMemory bool

	// BadgerOptions overrides the options derived from the fields above.
	BadgerOptions *badgerdb.Options
}

// Store implements account.Store on top of BadgerDB.
//
// Thread safety: BadgerDB transactions are safe for concurrent use, so Store
// adds no locking of its own.
type Store struct {
	db *badgerdb.DB
}

var _ account.Store = (*Store)(nil)

// New opens (or creates) the database described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badgerdb.Options
	switch {
	case cfg.BadgerOptions != nil:
		opts = *cfg.BadgerOptions
	case cfg.InMemory:
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	default:
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger account store: db_path is required")
		}
		opts = badgerdb.DefaultOptions(cfg.DBPath)
	}

	// Snapshots are small JSON documents.
	opts = opts.WithLoggingLevel(badgerdb.WARNING).WithCompression(options.None)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	return &Store{db: db}, nil
}

// LoadAccounts returns every persisted snapshot in key order.
func (s *Store) LoadAccounts(ctx context.Context) ([]account.Snapshot, error) {
	var snaps []account.Snapshot

	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         []byte(accountPrefix),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			var snap account.Snapshot
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

// SaveAccount overwrites the snapshot for snap.Username.
func (s *Store) SaveAccount(ctx context.Context, snap account.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode account %q: %w", snap.Username, err)
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(accountKey(snap.Username), data)
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
