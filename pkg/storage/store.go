// Package storage holds the permanent content of uploaded files and the
// staging area uploads are received into.
//
// An upload is first streamed into a staged file (see Staging), then moved
// into permanent storage by ContentStore.Commit once the quota check has
// passed. Objects are addressed by (username, filename); each account owns a
// namespace that is provisioned when the account is created.
package storage

import (
	"context"
	"io"
	"strings"
)

// MaxNameLength is the longest accepted filename, in bytes.
const MaxNameLength = 255

// ContentStore is the permanent home of uploaded files.
//
// Thread safety: implementations must be safe for concurrent use. Callers
// serialize operations on the same (username, filename) pair; the store need
// not.
type ContentStore interface {
	// Provision creates the namespace for a new account. Provisioning an
	// existing namespace is not an error.
	Provision(ctx context.Context, username string) error

	// Commit moves the staged file at stagedPath into permanent storage under
	// (username, filename), replacing any existing object. On success the
	// staged file no longer exists. On failure the staged file may or may
	// not exist; callers discard it.
	Commit(ctx context.Context, username, filename, stagedPath string) error

	// Open returns a reader for the object together with its size.
	// Returns ErrNotFound when the object does not exist.
	Open(ctx context.Context, username, filename string) (io.ReadCloser, int64, error)

	// Exists reports whether the object exists.
	Exists(ctx context.Context, username, filename string) (bool, error)

	// Delete removes the object. Returns ErrNotFound when it does not exist.
	Delete(ctx context.Context, username, filename string) error

	// Close releases backend resources.
	Close() error
}

// ValidateName checks that name can be used as a single path component.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidName
	case len(name) > MaxNameLength:
		return ErrInvalidName
	case strings.ContainsAny(name, "/\\\x00"):
		return ErrInvalidName
	}
	return nil
}
