package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "media.bin"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRead(t *testing.T) {
	s := tempStore(t)

	if err := s.Append([]byte("hello ")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append([]byte("world")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := s.Size(); got != 11 {
		t.Fatalf("Size = %d, want 11", got)
	}

	data, err := s.ReadAt(0, 11)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("ReadAt = %q, want %q", data, "hello world")
	}

	// Middle of the file
	data, err = s.ReadAt(6, 5)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("ReadAt = %q, want %q", data, "world")
	}
}

func TestReadShortAtTail(t *testing.T) {
	s := tempStore(t)
	_ = s.Append([]byte("abcdef"))

	data, err := s.ReadAt(4, 100)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(data) != "ef" {
		t.Errorf("ReadAt = %q, want %q", data, "ef")
	}
}

func TestReadOutOfRange(t *testing.T) {
	s := tempStore(t)
	_ = s.Append([]byte("abc"))

	if _, err := s.ReadAt(3, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange at size boundary, got %v", err)
	}
	if _, err := s.ReadAt(100, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange past boundary, got %v", err)
	}

	// Empty store: every offset is out of range
	empty := tempStore(t)
	if _, err := empty.ReadAt(0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange on empty store, got %v", err)
	}
}

func TestOpenExistingPartial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	if err := os.WriteFile(path, []byte("partial-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	if got := s.Size(); got != int64(len("partial-bytes")) {
		t.Fatalf("Size = %d, want %d", got, len("partial-bytes"))
	}

	// Appends continue from the existing tail
	if err := s.Append([]byte("-more")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	data, err := s.ReadAt(0, s.Size())
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(data) != "partial-bytes-more" {
		t.Errorf("ReadAt = %q", data)
	}
}

func TestTruncate(t *testing.T) {
	s := tempStore(t)
	_ = s.Append([]byte("stale content"))

	if err := s.Truncate(); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if got := s.Size(); got != 0 {
		t.Fatalf("Size after Truncate = %d, want 0", got)
	}
	if _, err := s.ReadAt(0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange after truncate, got %v", err)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.bin")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = s.Append([]byte("doomed"))

	if err := s.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("backing file still present after Delete: %v", err)
	}

	// Delete is idempotent
	if err := s.Delete(); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	s := tempStore(t)
	_ = s.Append([]byte("x"))
	_ = s.Close()

	if err := s.Append([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close: got %v, want ErrClosed", err)
	}
	if _, err := s.ReadAt(0, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadAt after Close: got %v, want ErrClosed", err)
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	s := tempStore(t)

	chunk := bytes.Repeat([]byte{0xAB}, 1024)
	const appends = 64

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			if err := s.Append(chunk); err != nil {
				t.Errorf("Append failed: %v", err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			size := s.Size()
			if size == 0 {
				continue
			}
			data, err := s.ReadAt(0, size)
			if err != nil {
				t.Errorf("ReadAt failed: %v", err)
				return
			}
			// A read must never observe bytes beyond a completed write,
			// so everything returned must be fully written chunk data.
			for _, b := range data {
				if b != 0xAB {
					t.Errorf("read observed unwritten byte %x", b)
					return
				}
			}
		}
	}()

	wg.Wait()

	if got := s.Size(); got != appends*1024 {
		t.Fatalf("final Size = %d, want %d", got, appends*1024)
	}
}
