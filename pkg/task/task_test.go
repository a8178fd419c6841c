package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCompleteOnce(t *testing.T) {
	tk := NewDownload("alice", "f")
	assert.Equal(t, StatusPending, tk.Status())

	tk.complete([]byte("data"), nil)
	tk.complete(nil, errors.New("late"))

	require.NoError(t, tk.Wait(context.Background()))
	assert.Equal(t, StatusSucceeded, tk.Status())
	assert.Equal(t, "data", string(tk.Result()))
	assert.NoError(t, tk.Err())
}

func TestTaskFailedStatus(t *testing.T) {
	tk := NewList("alice")
	tk.complete(nil, account.ErrNotFound)
	assert.Equal(t, StatusFailed, tk.Status())
	assert.ErrorIs(t, tk.Err(), account.ErrNotFound)
}

func TestTaskWaitHonorsContext(t *testing.T) {
	tk := NewList("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, tk.Wait(ctx), context.DeadlineExceeded)
}

func TestConstructors(t *testing.T) {
	up := NewUpload("alice", "f", "/tmp/f.tmp", 5)
	assert.Equal(t, KindUpload, up.Kind)
	assert.Equal(t, "/tmp/f.tmp", up.SourcePath)
	assert.Equal(t, int64(5), up.PayloadSize)

	assert.Equal(t, KindDelete, NewDelete("a", "f").Kind)
	assert.Empty(t, NewList("a").Filename)
	assert.Equal(t, "download", KindDownload.String())
	assert.Equal(t, "failed", StatusFailed.String())
}

func TestMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", account.ErrAlreadyExists), "User exists"},
		{account.ErrMismatch, "Invalid credentials"},
		{account.ErrNotFound, "User not found"},
		{fmt.Errorf("x: %w", account.ErrQuotaExceeded), "Quota exceeded"},
		{storage.ErrNotFound, "File not found"},
		{account.ErrFileNotFound, "File not found"},
		{storage.ErrInvalidName, "Invalid filename"},
		{ErrPartialRead, "Partial read"},
		{ErrUploadFailed, "UPLOAD failed"},
		{errors.New("disk on fire"), "I/O error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Message(tt.err))
		})
	}
	assert.Empty(t, Message(nil))
}
