// Package gc removes abandoned uploads from the staging area.
//
// A staged file normally lives only between the end of an upload and its
// commit. Files left behind come from:
//   - Server crashes between receiving and committing an upload
//   - Failed discards after a quota rejection or store error
//   - Connections that dropped in the middle of a payload
//
// The collector sweeps them by age: everything when the server starts, and
// periodically files older than MaxAge while it runs.
package gc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/storage"
)

// Collector sweeps stale files from a staging area.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	staging *storage.Staging
	config  Config

	// mu serializes sweeps.
	mu sync.Mutex

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config contains configuration for the staging collector.
type Config struct {
	// Interval is how often the background sweep runs. Default: 1h
	Interval time.Duration

	// MaxAge is how old a staged file must be before a background sweep
	// removes it. It must exceed the longest time an upload can wait for a
	// storage worker. Default: 24h
	MaxAge time.Duration

	// DryRun logs what would be removed without removing it.
	DryRun bool
}

// NewCollector creates a collector for staging. It is not started.
func NewCollector(staging *storage.Staging, config Config) *Collector {
	if staging == nil {
		panic("gc: staging cannot be nil")
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}

	return &Collector{
		staging: staging,
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeping. Subsequent calls are no-ops.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		logger.Info("Starting staging collector: interval=%s max_age=%s dry_run=%v",
			c.config.Interval, c.config.MaxAge, c.config.DryRun)
		go c.worker()
	})
}

// Stop signals the worker and waits for an in-progress sweep, bounded by
// ctx. Stopping a collector that was never started returns immediately.
func (c *Collector) Stop(ctx context.Context) error {
	// A collector stopped before Start never starts.
	c.startOnce.Do(func() {})

	c.stopOnce.Do(func() { close(c.stopCh) })
	if !c.started.Load() {
		return nil
	}

	select {
	case <-c.doneCh:
		logger.Debug("Staging collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Staging collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow sweeps files older than maxAge and blocks until done. A maxAge of
// zero removes every staged file, which is only safe while no upload is in
// flight, i.e. before the server starts accepting.
//
// Parameters:
//   - ctx: Context for cancellation between files
//   - maxAge: Minimum age of a staged file to be removed
//
// Returns:
//   - *Stats: Counts and bytes freed for this sweep
//   - error: Error if the staging directory cannot be read or ctx is done
func (c *Collector) RunNow(ctx context.Context, maxAge time.Duration) (*Stats, error) {
	return c.collect(ctx, maxAge)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx, c.config.MaxAge)
			cancel()

			if err != nil {
				logger.Error("Staging sweep failed: %v", err)
			} else if stats.RemovedCount > 0 || stats.FailedCount > 0 {
				logger.Info("Staging sweep completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect removes staged files whose modification time is older than
// maxAge. Only files ending in ".tmp" are considered.
func (c *Collector) collect(ctx context.Context, maxAge time.Duration) (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	entries, err := os.ReadDir(c.staging.Dir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to list staging directory: %w", err)
	}

	cutoff := stats.StartTime.Add(-maxAge)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		stats.ScannedCount++

		info, err := entry.Info()
		if err != nil {
			// Removed concurrently by its upload.
			continue
		}
		if maxAge > 0 && info.ModTime().After(cutoff) {
			continue
		}
		stats.StaleCount++

		path := filepath.Join(c.staging.Dir(), entry.Name())
		if c.config.DryRun {
			logger.Info("Staging sweep (dry run): would remove %s (%d bytes)", entry.Name(), info.Size())
			continue
		}

		if err := c.staging.Discard(path); err != nil {
			logger.Debug("Staging sweep: failed to remove %s: %v", entry.Name(), err)
			stats.FailedCount++
			continue
		}
		stats.RemovedCount++
		stats.BytesFreed += info.Size()
	}

	return stats, nil
}

// Stats contains statistics from a sweep.
type Stats struct {
	StartTime    time.Time
	EndTime      time.Time
	ScannedCount int   // staged files seen
	StaleCount   int   // files older than the cutoff
	RemovedCount int   // files removed
	FailedCount  int   // files that could not be removed
	BytesFreed   int64 // total size of removed files
}

// Duration returns the sweep duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the sweep.
func (s *Stats) Summary() string {
	return fmt.Sprintf("scanned=%d stale=%d removed=%d failed=%d freed=%dB duration=%s",
		s.ScannedCount, s.StaleCount, s.RemovedCount, s.FailedCount, s.BytesFreed, s.Duration())
}
