// Package storage streams decoded message content to temporary files.
//
// Every session writes its artifacts under a shared directory, named after
// the session identity (<id>.body, <id>.part<N>), so concurrent sessions
// never touch each other's files. Content is written through a small
// buffer and hashed with BLAKE3 as it goes; nothing is held in memory
// beyond the current line.
package storage

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// ErrClosed is returned when writing to a sink that was already closed.
var ErrClosed = errors.New("storage: sink closed")

// digestSize is the BLAKE3 output length in bytes.
const digestSize = 32

// Store hands out sinks inside a single temporary directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage: empty directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create opens a new sink. An existing file of the same name is truncated.
func (s *Store) Create(name string) (*Sink, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("storage: invalid sink name %q", name)
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	return &Sink{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
		h:    blake3.New(digestSize, nil),
	}, nil
}

// Sweep removes temporary files. With all=false only empty files are
// removed. It returns the names of the removed files.
func (s *Store) Sweep(all bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp dir: %w", err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !all {
			info, err := entry.Info()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if info.Size() > 0 {
				continue
			}
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, entry.Name())
	}

	slog.Debug("swept temporary files",
		"dir", s.dir,
		"all", all,
		"removed", len(removed),
	)

	return removed, errors.Join(errs...)
}

// Sink is the write side of one stored section.
type Sink struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	h      hash.Hash
	size   int64
	closed bool
}

// Write appends p to the sink.
func (s *Sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.w.Write(p)
	s.h.Write(p[:n])
	s.size += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (s *Sink) Size() int64 {
	return s.size
}

// Path returns the file backing the sink.
func (s *Sink) Path() string {
	return s.path
}

// Close flushes the sink and returns its read side.
func (s *Sink) Close() (*Content, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if err := s.finish(); err != nil {
		return nil, err
	}

	return &Content{
		Path:   s.path,
		Size:   s.size,
		Digest: hex.EncodeToString(s.h.Sum(nil)),
	}, nil
}

// Abort flushes and closes the file without producing content. The partial
// file stays on disk for Sweep.
func (s *Sink) Abort() error {
	if s.closed {
		return nil
	}
	return s.finish()
}

func (s *Sink) finish() error {
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush sink: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close sink: %w", closeErr)
	}
	return nil
}

// Content is the read side of a finished sink.
type Content struct {
	Path   string
	Size   int64
	Digest string
}

// Open opens the stored bytes for reading.
func (c *Content) Open() (io.ReadCloser, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open content: %w", err)
	}
	return f, nil
}

// Remove deletes the stored bytes.
func (c *Content) Remove() error {
	return os.Remove(c.Path)
}
