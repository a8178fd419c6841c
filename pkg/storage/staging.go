package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Staging is the temporary upload area. Every upload is received into its
// own staged file before the quota check decides whether it is committed or
// discarded.
type Staging struct {
	dir string
}

// NewStaging creates (if needed) and returns the staging area rooted at dir.
func NewStaging(dir string) (*Staging, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory %s: %w", dir, err)
	}
	return &Staging{dir: dir}, nil
}

// Dir returns the staging root.
func (s *Staging) Dir() string {
	return s.dir
}

// stagedPrefixLength caps the part of a staged name taken from the upload's
// filename. The suffix adds about 60 bytes and the whole name must stay
// within the 255-byte limit of common filesystems.
const stagedPrefixLength = 64

// Create opens a new staged file for filename. The name is
// <filename>_<unix-nanos>_<uuid>.tmp, with filename cut to its first
// stagedPrefixLength bytes, so concurrent uploads of the same filename
// never collide.
func (s *Staging) Create(filename string) (*StagedFile, error) {
	if err := ValidateName(filename); err != nil {
		return nil, fmt.Errorf("%q: %w", filename, err)
	}

	name := fmt.Sprintf("%s_%d_%s.tmp", stagedPrefix(filename), time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	return &StagedFile{f: f, path: path}, nil
}

// stagedPrefix returns filename cut to stagedPrefixLength bytes without
// splitting a UTF-8 sequence.
func stagedPrefix(filename string) string {
	if len(filename) <= stagedPrefixLength {
		return filename
	}
	cut := stagedPrefixLength
	for cut > 0 && !utf8.RuneStart(filename[cut]) {
		cut--
	}
	return filename[:cut]
}

// Discard removes a staged file. A file that is already gone is not an error.
func (s *Staging) Discard(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// StagedFile is an upload being received. It counts the bytes written.
type StagedFile struct {
	f    *os.File
	path string
	size int64
}

// Write appends p to the staged file.
func (s *StagedFile) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.size += int64(n)
	return n, err
}

// Path returns the staged file's location.
func (s *StagedFile) Path() string {
	return s.path
}

// Size returns the number of bytes written so far.
func (s *StagedFile) Size() int64 {
	return s.size
}

// Close flushes and closes the file handle. The file stays on disk.
// Calling Close more than once is safe.
func (s *StagedFile) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Discard closes the handle and removes the file.
func (s *StagedFile) Discard() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
