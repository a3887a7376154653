// Package store implements the backing file for one progressive download.
//
// A FileStore accumulates downloaded bytes in arrival order and serves
// random-access reads against whatever has been persisted so far. One store
// serves exactly one cache session, so a single mutex serializes every
// operation - correctness over throughput.
package store

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrOutOfRange is returned when a read starts at or beyond the
	// currently persisted size. The caller may retry once more data has
	// been appended.
	ErrOutOfRange = errors.New("store: read offset beyond persisted data")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// FileStore is an append-and-random-read file. The persisted size is
// monotonically non-decreasing for the lifetime of a session; readers never
// observe a size larger than what has actually been flushed to disk.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	size   int64
	closed bool
}

// Open opens (or creates) the backing file at path. A pre-existing non-empty
// file is picked up as-is, which is what enables resuming a partial download
// across process restarts.
func Open(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}

	return &FileStore{
		path: path,
		file: f,
		size: info.Size(),
	}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Size returns the current persisted byte count.
func (s *FileStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Append atomically extends the file by p, advancing the size. The size is
// only advanced after the write has fully completed, so a concurrent reader
// never sees a size covering unwritten bytes.
func (s *FileStore) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	n, err := s.file.WriteAt(p, s.size)
	if err != nil {
		// A partial write leaves the tail of the file undefined; keep size
		// at the last fully written offset.
		s.size += int64(n)
		return fmt.Errorf("store: append to %s: %w", s.path, err)
	}

	s.size += int64(n)
	return nil
}

// ReadAt returns up to length bytes starting at offset. It fails with
// ErrOutOfRange if offset is at or beyond the current size, and returns
// fewer than length bytes if the requested range extends past the tail.
func (s *FileStore) ReadAt(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("store: negative offset or length (%d, %d)", offset, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if offset >= s.size {
		return nil, ErrOutOfRange
	}

	if max := s.size - offset; length > max {
		length = max
	}

	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("store: read %s at %d: %w", s.path, offset, err)
	}
	return buf[:n], nil
}

// Truncate discards all persisted bytes, resetting the size to zero. Used
// when a resume attempt discovers the remote resource has changed and the
// partial content can no longer be trusted.
func (s *FileStore) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("store: truncate %s: %w", s.path, err)
	}
	s.size = 0
	return nil
}

// Close releases the file handle. The backing file stays on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Delete closes the store and removes the backing file. Used only when a
// session is abandoned or fails before completion - a half-downloaded file
// must never be mistaken for a valid cache entry later.
func (s *FileStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		_ = s.file.Close()
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", s.path, err)
	}
	return nil
}
