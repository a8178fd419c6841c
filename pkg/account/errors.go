package account

import "errors"

// Directory errors. Implementations wrap them with context:
//
//	return fmt.Errorf("account %q: %w", username, ErrNotFound)
//
// and callers match with errors.Is. The box protocol maps them to wire
// replies (see pkg/task.Message).
var (
	// ErrAlreadyExists is returned by CreateAccount when the username is taken.
	ErrAlreadyExists = errors.New("account already exists")

	// ErrNotFound indicates a missing account.
	ErrNotFound = errors.New("account not found")

	// ErrFileNotFound is returned by RemoveFile when the account exists but
	// holds no record with that name.
	ErrFileNotFound = errors.New("file record not found")

	// ErrMismatch indicates a password that does not match the account's.
	ErrMismatch = errors.New("invalid credentials")

	// ErrQuotaExceeded indicates that storing the requested bytes would push
	// the account above its quota limit.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidUsername rejects empty or whitespace-bearing usernames.
	ErrInvalidUsername = errors.New("invalid username")
)
