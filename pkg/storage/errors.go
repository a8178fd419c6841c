package storage

import "errors"

// Content store errors. Implementations wrap them with the object they refer
// to:
//
//	return fmt.Errorf("%s/%s: %w", username, filename, storage.ErrNotFound)
//
// and callers match with errors.Is.
var (
	// ErrNotFound indicates the object does not exist in permanent storage.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidName indicates a filename that cannot be mapped to a storage
	// path: empty, a dot entry, containing a separator or longer than
	// MaxNameLength bytes.
	ErrInvalidName = errors.New("invalid filename")

	// ErrIO wraps backend failures that are neither ErrNotFound nor
	// ErrInvalidName (disk errors, S3 request failures).
	ErrIO = errors.New("storage I/O error")
)
