package task

import (
	"errors"

	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/storage"
)

var (
	// ErrPartialRead indicates a download returned fewer bytes than the
	// object's reported size.
	ErrPartialRead = errors.New("partial read")

	// ErrUploadFailed wraps content store failures while committing an upload.
	ErrUploadFailed = errors.New("upload failed")

	// ErrQueueClosed is returned when submitting to a stopped pool.
	ErrQueueClosed = errors.New("task queue closed")

	// ErrPanic marks a task whose handler panicked.
	ErrPanic = errors.New("task handler panicked")
)

// Message maps a pipeline error to the text sent to the client after "ERR ".
// Unknown errors map to "I/O error".
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, account.ErrAlreadyExists):
		return "User exists"
	case errors.Is(err, account.ErrMismatch):
		return "Invalid credentials"
	case errors.Is(err, account.ErrNotFound):
		return "User not found"
	case errors.Is(err, account.ErrQuotaExceeded):
		return "Quota exceeded"
	case errors.Is(err, account.ErrInvalidUsername):
		return "Invalid username"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, account.ErrFileNotFound):
		return "File not found"
	case errors.Is(err, storage.ErrInvalidName):
		return "Invalid filename"
	case errors.Is(err, ErrPartialRead):
		return "Partial read"
	case errors.Is(err, ErrUploadFailed):
		return "UPLOAD failed"
	default:
		return "I/O error"
	}
}
