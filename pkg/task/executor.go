package task

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/metrics"
	"github.com/marmos91/dittobox/pkg/storage"
)

// Executor runs tasks against the account directory and the content store.
type Executor struct {
	accounts   *account.Directory
	content    storage.ContentStore
	staging    *storage.Staging
	quotaLimit int64
	metrics    metrics.BoxMetrics
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Accounts *account.Directory
	Content  storage.ContentStore
	Staging  *storage.Staging

	// QuotaLimit is the per-account byte limit applied to uploads.
	QuotaLimit int64

	Metrics metrics.BoxMetrics
}

// NewExecutor panics if Accounts, Content or Staging is nil.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Accounts == nil || cfg.Content == nil || cfg.Staging == nil {
		panic("task: executor requires accounts, content and staging")
	}
	return &Executor{
		accounts:   cfg.Accounts,
		content:    cfg.Content,
		staging:    cfg.Staging,
		quotaLimit: cfg.QuotaLimit,
		metrics:    metrics.OrNoop(cfg.Metrics),
	}
}

// Execute dispatches t by kind.
func (e *Executor) Execute(ctx context.Context, t *Task) ([]byte, error) {
	switch t.Kind {
	case KindUpload:
		return nil, e.upload(ctx, t)
	case KindDownload:
		return e.download(ctx, t)
	case KindDelete:
		return nil, e.delete(ctx, t)
	case KindList:
		return e.list(t)
	default:
		return nil, fmt.Errorf("unknown task kind %d", t.Kind)
	}
}

// upload reserves quota, commits the staged file and records it.
//
// The reservation is held from the quota check until the record is added,
// so concurrent uploads for one account can never jointly exceed the limit.
// Every failure path removes the staged file.
func (e *Executor) upload(ctx context.Context, t *Task) error {
	res, err := e.accounts.Reserve(t.Username, t.Filename, t.PayloadSize, e.quotaLimit)
	if err != nil {
		e.discard(t.SourcePath)
		if errors.Is(err, account.ErrQuotaExceeded) {
			e.metrics.RecordQuotaRejection()
			logger.Info("Upload %s/%s rejected: %v", t.Username, t.Filename, err)
		}
		return err
	}

	if err := e.content.Commit(ctx, t.Username, t.Filename, t.SourcePath); err != nil {
		res.Release()
		e.discard(t.SourcePath)
		logger.Error("Commit %s/%s failed: %v", t.Username, t.Filename, err)
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if err := res.Commit(ctx); err != nil {
		// The object is already in place but has no record; take it back out.
		if delErr := e.content.Delete(ctx, t.Username, t.Filename); delErr != nil {
			logger.Warn("Failed to remove unrecorded %s/%s: %v", t.Username, t.Filename, delErr)
		}
		if errors.Is(err, account.ErrQuotaExceeded) {
			e.metrics.RecordQuotaRejection()
			logger.Info("Upload %s/%s rejected at commit: %v", t.Username, t.Filename, err)
		}
		return err
	}
	logger.Debug("Stored %s/%s (%d bytes)", t.Username, t.Filename, t.PayloadSize)
	return nil
}

func (e *Executor) discard(path string) {
	if path == "" {
		return
	}
	if err := e.staging.Discard(path); err != nil {
		logger.Warn("Failed to remove staged file %s: %v", path, err)
	}
}

// download reads the whole object. Fewer bytes than the reported size fail
// the task with ErrPartialRead.
func (e *Executor) download(ctx context.Context, t *Task) ([]byte, error) {
	rc, size, err := e.content.Open(ctx, t.Username, t.Filename)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data := make([]byte, size)
	n, err := io.ReadFull(rc, data)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s/%s: read %d of %d bytes: %w", t.Username, t.Filename, n, size, ErrPartialRead)
		}
		return nil, fmt.Errorf("read %s/%s: %w: %v", t.Username, t.Filename, storage.ErrIO, err)
	}
	return data, nil
}

// delete removes the object first, then the record. The object store is
// authoritative: a missing record after a successful removal is logged and
// the task still succeeds.
func (e *Executor) delete(ctx context.Context, t *Task) error {
	if err := e.content.Delete(ctx, t.Username, t.Filename); err != nil {
		return err
	}

	if _, err := e.accounts.RemoveFile(ctx, t.Username, t.Filename); err != nil {
		logger.Warn("Deleted %s/%s but directory record was inconsistent: %v", t.Username, t.Filename, err)
	}
	return nil
}

func (e *Executor) list(t *Task) ([]byte, error) {
	report, err := e.accounts.ListFiles(t.Username)
	if err != nil {
		return nil, err
	}
	return []byte(report), nil
}
