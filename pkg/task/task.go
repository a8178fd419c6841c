// Package task implements the storage task pipeline: the unit of work a
// session hands off, the FIFO queue it waits in, and the fixed pool of
// workers that executes it against the account directory and the content
// store.
//
// A Task has exactly one producer (the session that built it) and exactly
// one consumer (the worker that dequeues it). The producer blocks in Wait
// until the worker signals completion, then reads the result.
package task

import (
	"context"
	"sync"
	"time"
)

// Kind identifies the storage operation a task performs.
type Kind int

const (
	KindUpload Kind = iota
	KindDownload
	KindDelete
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	case KindDelete:
		return "delete"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Status is a task's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one storage operation together with its single-slot result and
// completion signal.
//
// The request fields are set by a constructor and never change. The result
// fields are written once by the executing worker before done is closed and
// may only be read after Wait returns nil.
type Task struct {
	Kind     Kind
	Username string

	// Filename is empty for KindList.
	Filename string

	// SourcePath is the staged upload (KindUpload only).
	SourcePath string

	// PayloadSize is the staged upload's size (KindUpload only).
	PayloadSize int64

	status Status
	result []byte
	err    error

	enqueuedAt time.Time

	done chan struct{}
	once sync.Once
}

func newTask(kind Kind, username, filename string) *Task {
	return &Task{
		Kind:     kind,
		Username: username,
		Filename: filename,
		done:     make(chan struct{}),
	}
}

// NewUpload creates a task that commits the staged file at sourcePath as
// username/filename.
func NewUpload(username, filename, sourcePath string, size int64) *Task {
	t := newTask(KindUpload, username, filename)
	t.SourcePath = sourcePath
	t.PayloadSize = size
	return t
}

// NewDownload creates a task that reads username/filename.
func NewDownload(username, filename string) *Task {
	return newTask(KindDownload, username, filename)
}

// NewDelete creates a task that removes username/filename.
func NewDelete(username, filename string) *Task {
	return newTask(KindDelete, username, filename)
}

// NewList creates a task that renders username's storage report.
func NewList(username string) *Task {
	return newTask(KindList, username, "")
}

// complete records the outcome and wakes the producer. Only the first call
// has any effect.
func (t *Task) complete(result []byte, err error) {
	t.once.Do(func() {
		t.result = result
		t.err = err
		if err != nil {
			t.status = StatusFailed
		} else {
			t.status = StatusSucceeded
		}
		close(t.done)
	})
}

// Done returns a channel closed when the task completes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx is cancelled. A nil return
// means the result fields are readable; it says nothing about whether the
// task succeeded (see Err).
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the task's state. Reading it before completion yields
// StatusPending.
func (t *Task) Status() Status {
	select {
	case <-t.done:
		return t.status
	default:
		return StatusPending
	}
}

// Result returns the payload of a successful download or list.
func (t *Task) Result() []byte {
	return t.result
}

// Err returns the failure of a completed task, nil on success.
func (t *Task) Err() error {
	return t.err
}
