package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/marmos91/dittobox/internal/logger"
)

// Provisioner creates the storage namespace for a newly registered account.
// The content store supplies it (for the filesystem store it creates
// storageRoot/<username>).
type Provisioner func(ctx context.Context, username string) error

// Options configures a Directory.
type Options struct {
	// Store persists account snapshots. Nil means a fresh MemoryStore.
	Store Store

	// Provision is called once per new account, before the account becomes
	// visible. Nil means no namespace is provisioned.
	Provision Provisioner

	// LegacyOverwrite keeps the legacy additive accounting:
	// overwriting a file adds the new size without subtracting the old one,
	// so quotaUsed drifts above the sum of file sizes. Off by default.
	LegacyOverwrite bool
}

// Directory is the process-wide registry of accounts.
//
// Thread safety:
// mu guards the accounts map only. Each Account has its own lock; see the
// package documentation for the acquisition order.
type Directory struct {
	mu       sync.Mutex
	accounts map[string]*Account

	store           Store
	provision       Provisioner
	legacyOverwrite bool
}

// NewDirectory creates an empty directory. Call Load to restore persisted
// accounts.
func NewDirectory(opts Options) *Directory {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Directory{
		accounts:        make(map[string]*Account),
		store:           store,
		provision:       opts.Provision,
		legacyOverwrite: opts.LegacyOverwrite,
	}
}

// Load restores every account held by the store. Accounts already present
// in the directory are left untouched. Returns the number restored.
func (d *Directory) Load(ctx context.Context) (int, error) {
	snaps, err := d.store.LoadAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	restored := 0
	for _, snap := range snaps {
		if _, ok := d.accounts[snap.Username]; ok {
			continue
		}
		d.accounts[snap.Username] = snap.restore()
		restored++
	}
	return restored, nil
}

// CreateAccount registers a new account with zero quota and no files and
// provisions its storage namespace.
//
// Returns ErrAlreadyExists if the username is taken and ErrInvalidUsername
// if it cannot be used as a storage namespace.
func (d *Directory) CreateAccount(ctx context.Context, username, password string) error {
	_, err := d.create(ctx, username, password)
	return err
}

// FindOrCreate returns without error when the account already exists
// (whatever its password) and creates it otherwise. created reports which
// case happened. Used to seed accounts at startup.
func (d *Directory) FindOrCreate(ctx context.Context, username, password string) (created bool, err error) {
	_, err = d.create(ctx, username, password)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAlreadyExists):
		return false, nil
	default:
		return false, err
	}
}

func (d *Directory) create(ctx context.Context, username, password string) (*Account, error) {
	if !ValidUsername(username) {
		return nil, fmt.Errorf("%q: %w", username, ErrInvalidUsername)
	}

	d.mu.Lock()
	if _, ok := d.accounts[username]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("account %q: %w", username, ErrAlreadyExists)
	}

	// Provision under the directory lock so two concurrent signups for the
	// same name cannot both pass the existence check.
	if d.provision != nil {
		if err := d.provision(ctx, username); err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("provision storage for %q: %w", username, err)
		}
	}

	a := newAccount(username, password)
	d.accounts[username] = a
	a.mu.Lock()
	d.mu.Unlock()
	defer a.mu.Unlock()

	d.persist(ctx, a)
	logger.Debug("Account created: %s", username)
	return a, nil
}

// CheckCredentials verifies a username/password pair by exact match.
func (d *Directory) CheckCredentials(username, password string) error {
	return d.WithAccount(username, func(a *Account) error {
		if a.password != password {
			return fmt.Errorf("account %q: %w", username, ErrMismatch)
		}
		return nil
	})
}

// WithAccount runs fn under the lock of the named account.
//
// The directory lock is held only long enough to look up the account and
// acquire its lock (hand-over-hand), so fn never runs with the directory
// lock held. fn must not call back into the Directory.
//
// Returns ErrNotFound if the account does not exist, otherwise fn's error.
func (d *Directory) WithAccount(username string, fn func(a *Account) error) error {
	d.mu.Lock()
	a, ok := d.accounts[username]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("account %q: %w", username, ErrNotFound)
	}
	a.mu.Lock()
	d.mu.Unlock()
	defer a.mu.Unlock()

	return fn(a)
}

// mutate is WithAccount followed by a snapshot save when fn reports a change.
func (d *Directory) mutate(ctx context.Context, username string, fn func(a *Account) (bool, error)) error {
	return d.WithAccount(username, func(a *Account) error {
		changed, err := fn(a)
		if changed {
			d.persist(ctx, a)
		}
		return err
	})
}

// AddFile registers a stored file and charges its size to the account.
//
// It is a no-op when the account does not exist: callers reach AddFile
// through the task pipeline, which has already validated the account.
// Overwriting an existing name replaces the record and, unless legacy
// accounting is enabled, subtracts the old size first.
func (d *Directory) AddFile(ctx context.Context, username, filename string, size int64) {
	_ = d.mutate(ctx, username, func(a *Account) (bool, error) {
		a.addFile(filename, size, !d.legacyOverwrite)
		return true, nil
	})
}

// RemoveFile deletes a file record and returns the size released.
//
// Returns ErrNotFound for a missing account and ErrFileNotFound for a
// missing record.
func (d *Directory) RemoveFile(ctx context.Context, username, filename string) (int64, error) {
	var removed int64
	err := d.mutate(ctx, username, func(a *Account) (bool, error) {
		size, ok := a.removeFile(filename)
		if !ok {
			return false, fmt.Errorf("%s/%s: %w", username, filename, ErrFileNotFound)
		}
		removed = size
		return true, nil
	})
	return removed, err
}

// ListFiles renders the account's storage report:
//
//	Storage used: 5 bytes
//	notes.txt (5 bytes)
//
// An account without files yields the header line alone. Files are listed
// in name order.
func (d *Directory) ListFiles(username string) (string, error) {
	var report string
	err := d.WithAccount(username, func(a *Account) error {
		var b strings.Builder
		fmt.Fprintf(&b, "Storage used: %d bytes\n", a.quotaUsed)
		for _, f := range a.Files() {
			fmt.Fprintf(&b, "%s (%d bytes)\n", f.Name, f.Size)
		}
		report = b.String()
		return nil
	})
	return report, err
}

// Usage is a point-in-time view of an account's quota.
type Usage struct {
	QuotaUsed int64
	Reserved  int64
	Files     int
}

// Usage returns the quota counters of an account.
func (d *Directory) Usage(username string) (Usage, error) {
	var u Usage
	err := d.WithAccount(username, func(a *Account) error {
		u = Usage{QuotaUsed: a.quotaUsed, Reserved: a.reserved, Files: len(a.files)}
		return nil
	})
	return u, err
}

// Exists reports whether the account is registered.
func (d *Directory) Exists(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.accounts[username]
	return ok
}

// Count returns the number of registered accounts.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.accounts)
}

// Close closes the underlying store.
func (d *Directory) Close() error {
	return d.store.Close()
}

// persist saves a snapshot of a. The caller holds a.mu. Persistence failures
// are logged and do not fail the mutation: the in-memory directory stays
// authoritative for the running process.
func (d *Directory) persist(ctx context.Context, a *Account) {
	if err := d.store.SaveAccount(ctx, a.snapshot()); err != nil {
		logger.Warn("Failed to persist account %s: %v", a.username, err)
	}
}
