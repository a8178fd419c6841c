// Package account implements the user directory: the in-memory registry of
// accounts, the files each account owns and the quota each account uses.
//
// Locking:
// The Directory holds a directory-wide mutex that serializes lookups and
// mutations of the account set. Each Account carries its own mutex that
// serializes changes to its file set and quota counters. Code that needs both
// always acquires the directory lock first and the account lock second, and
// never takes the directory lock while holding an account lock.
package account

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// FileRecord describes one stored file. Size is cached for quota accounting;
// the content store is the source of truth for the bytes themselves.
type FileRecord struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Account is a registered user and the files it owns.
//
// Invariant: quotaUsed equals the sum of Size over files, except when the
// directory runs with legacy overwrite accounting.
//
// All fields are guarded by mu. Accounts are never removed from the directory.
type Account struct {
	mu sync.Mutex

	username string
	password string

	// quotaUsed is the number of bytes held by committed files.
	quotaUsed int64

	// reserved is the number of bytes promised to uploads that passed the
	// quota check but have not been committed yet.
	reserved int64

	files map[string]FileRecord
}

func newAccount(username, password string) *Account {
	return &Account{
		username: username,
		password: password,
		files:    make(map[string]FileRecord),
	}
}

// Username returns the immutable account key.
func (a *Account) Username() string {
	return a.username
}

// QuotaUsed returns the committed byte count. The caller must hold the
// account lock (i.e. be inside WithAccount).
func (a *Account) QuotaUsed() int64 {
	return a.quotaUsed
}

// File returns the record for name. The caller must hold the account lock.
func (a *Account) File(name string) (FileRecord, bool) {
	f, ok := a.files[name]
	return f, ok
}

// Files returns the account's records sorted by name. The caller must hold
// the account lock.
func (a *Account) Files() []FileRecord {
	files := make([]FileRecord, 0, len(a.files))
	for _, f := range a.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// addFile inserts or replaces a record. With evict set, the size of a
// replaced record is subtracted first so the sum invariant holds.
func (a *Account) addFile(name string, size int64, evict bool) {
	if old, ok := a.files[name]; ok && evict {
		a.quotaUsed -= old.Size
	}
	a.files[name] = FileRecord{Name: name, Size: size}
	a.quotaUsed += size
}

func (a *Account) removeFile(name string) (int64, bool) {
	f, ok := a.files[name]
	if !ok {
		return 0, false
	}
	delete(a.files, name)
	a.quotaUsed -= f.Size
	return f.Size, true
}

// snapshot copies the persistent part of the account. Caller holds a.mu.
func (a *Account) snapshot() Snapshot {
	return Snapshot{
		Username:  a.username,
		Password:  a.password,
		QuotaUsed: a.quotaUsed,
		Files:     a.Files(),
	}
}

// Snapshot is the persisted form of an account.
type Snapshot struct {
	Username  string       `json:"username"`
	Password  string       `json:"password"`
	QuotaUsed int64        `json:"quota_used"`
	Files     []FileRecord `json:"files"`
}

func (s Snapshot) restore() *Account {
	a := newAccount(s.Username, s.Password)
	for _, f := range s.Files {
		a.files[f.Name] = f
	}
	a.quotaUsed = s.QuotaUsed
	return a
}

// ValidUsername reports whether name can be used as an account key and as a
// storage namespace: non-empty, no whitespace, no path separators, not a dot
// entry.
func ValidUsername(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || r == 0 {
			return false
		}
	}
	return true
}
