package microtetherdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryBacking(t *testing.T) {
	t.Run("should write and read back bytes", func(t *testing.T) {
		m := NewMemoryBacking(25)
		if err := m.WriteAt(0, []byte("hello")); err != nil {
			t.Fatalf("failed to write: %s", err)
		}
		got, err := m.ReadAt(0, 5)
		if err != nil {
			t.Fatalf("failed to read: %s", err)
		}
		if !bytes.Equal(got, []byte("hello")) {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	})

	t.Run("should grow past its initial size", func(t *testing.T) {
		m := &MemoryBacking{buf: make([]byte, 4)}
		if err := m.WriteAt(10, []byte("world")); err != nil {
			t.Fatalf("failed to write past end: %s", err)
		}
		size, err := m.Size()
		if err != nil {
			t.Fatalf("failed to get size: %s", err)
		}
		if size != 15 {
			t.Fatalf("got size %d, want 15", size)
		}
		got, err := m.ReadAt(10, 5)
		if err != nil {
			t.Fatalf("failed to read: %s", err)
		}
		if !bytes.Equal(got, []byte("world")) {
			t.Fatalf("got %q, want %q", got, "world")
		}
	})

	t.Run("flush should be a no-op", func(t *testing.T) {
		m := NewMemoryBacking(25)
		if err := m.Flush(); err != nil {
			t.Fatalf("flush returned an error: %s", err)
		}
	})

	t.Run("reading past the end returns empty, not an error", func(t *testing.T) {
		m := NewMemoryBacking(25)
		got, err := m.ReadAt(1000, 10)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %d bytes, want 0", len(got))
		}
	})
}

func TestFileBacking(t *testing.T) {
	t.Run("should persist across close and reopen", func(t *testing.T) {
		dir, err := os.MkdirTemp("", "filebacking")
		if err != nil {
			t.Fatalf("failed to create tmp dir: %s", err)
		}
		defer os.RemoveAll(dir)

		p := filepath.Join(dir, "sub", "t.db")
		fb, err := NewFileBacking(p)
		if err != nil {
			t.Fatalf("failed to open backing: %s", err)
		}
		if err := fb.WriteAt(0, []byte("persisted")); err != nil {
			t.Fatalf("failed to write: %s", err)
		}
		if err := fb.Flush(); err != nil {
			t.Fatalf("failed to flush: %s", err)
		}
		if err := fb.Close(); err != nil {
			t.Fatalf("failed to close: %s", err)
		}

		fb2, err := NewFileBacking(p)
		if err != nil {
			t.Fatalf("failed to reopen backing: %s", err)
		}
		defer fb2.Close()

		got, err := fb2.ReadAt(0, len("persisted"))
		if err != nil {
			t.Fatalf("failed to read: %s", err)
		}
		if !bytes.Equal(got, []byte("persisted")) {
			t.Fatalf("got %q, want %q", got, "persisted")
		}
	})

	t.Run("truncate should shrink the file", func(t *testing.T) {
		dir, err := os.MkdirTemp("", "filebacking")
		if err != nil {
			t.Fatalf("failed to create tmp dir: %s", err)
		}
		defer os.RemoveAll(dir)

		fb, err := NewFileBacking(filepath.Join(dir, "t.db"))
		if err != nil {
			t.Fatalf("failed to open backing: %s", err)
		}
		defer fb.Close()

		if err := fb.WriteAt(0, []byte("0123456789")); err != nil {
			t.Fatalf("failed to write: %s", err)
		}
		if err := fb.Truncate(4); err != nil {
			t.Fatalf("failed to truncate: %s", err)
		}
		size, err := fb.Size()
		if err != nil {
			t.Fatalf("failed to get size: %s", err)
		}
		if size != 4 {
			t.Fatalf("got size %d, want 4", size)
		}
	})
}
