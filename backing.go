package microtetherdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Backing is an addressable byte stream: random read/write/seek plus a
// flush barrier. MemoryBacking and FileBacking are the two concrete
// implementations the BTree Layer is built on.
type Backing interface {
	ReadAt(offset int64, length int) ([]byte, error)
	WriteAt(offset int64, p []byte) error
	Size() (int64, error)
	Truncate(size int64) error
	Flush() error
	Close() error
}

const (
	minMemoryBackingSize = 1024        // 1 KiB
	maxMemoryBackingSize = 32 * 1 << 20 // 32 MiB, generous upper clamp for a host process
	memoryGrowthFactor   = 1.5
)

// MemoryBacking is a growable in-memory byte buffer. It is lost on
// process exit; Flush is a no-op kept for interface parity with
// FileBacking.
type MemoryBacking struct {
	mu   sync.RWMutex
	buf  []byte
	size int64 // logical size; buf may be larger
}

// NewMemoryBacking allocates a MemoryBacking sized to ramPercentage of the
// process's reported system memory, clamped to
// [minMemoryBackingSize, maxMemoryBackingSize]. It mirrors the sizing
// strategy of the original implementation's _calculate_ram_size, using
// runtime.MemStats as the free-memory proxy available to a Go process (no
// third-party cross-platform memory-stats library appears anywhere in the
// retrieved examples).
func NewMemoryBacking(ramPercentage int) *MemoryBacking {
	size := calculateMemoryBackingSize(ramPercentage)
	return &MemoryBacking{
		buf: make([]byte, size),
	}
}

func calculateMemoryBackingSize(ramPercentage int) int64 {
	if ramPercentage <= 0 {
		ramPercentage = DefaultRAMPercentage
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	target := int64(float64(stats.Sys) * (float64(ramPercentage) / 100))
	if target < minMemoryBackingSize {
		target = minMemoryBackingSize
	}
	if target > maxMemoryBackingSize {
		target = maxMemoryBackingSize
	}
	return target
}

func (m *MemoryBacking) ensureCapacity(needed int64) {
	if needed <= int64(len(m.buf)) {
		return
	}
	newSize := int64(float64(len(m.buf)) * memoryGrowthFactor)
	if newSize < needed {
		newSize = needed
	}
	grown := make([]byte, newSize)
	copy(grown, m.buf[:m.size])
	m.buf = grown
}

func (m *MemoryBacking) ReadAt(offset int64, length int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative offset or length", ErrIO)
	}
	end := offset + int64(length)
	if offset >= m.size {
		return []byte{}, nil
	}
	if end > m.size {
		end = m.size
	}
	out := make([]byte, end-offset)
	copy(out, m.buf[offset:end])
	return out, nil
}

func (m *MemoryBacking) WriteAt(offset int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrIO)
	}
	end := offset + int64(len(p))
	m.ensureCapacity(end)
	copy(m.buf[offset:end], p)
	if end > m.size {
		m.size = end
	}
	return nil
}

func (m *MemoryBacking) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size, nil
}

func (m *MemoryBacking) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size < 0 {
		return fmt.Errorf("%w: negative truncate size", ErrIO)
	}
	if size > int64(len(m.buf)) {
		m.ensureCapacity(size)
	} else {
		for i := size; i < m.size && i < int64(len(m.buf)); i++ {
			m.buf[i] = 0
		}
	}
	m.size = size
	return nil
}

// Flush is a no-op for MemoryBacking; it exists for interface parity with
// FileBacking.
func (m *MemoryBacking) Flush() error { return nil }

// Close releases the buffer.
func (m *MemoryBacking) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = nil
	m.size = 0
	return nil
}

// FileBacking is a file opened for random read/write. If the file is
// absent, it is created empty; parent directories are created as needed.
type FileBacking struct {
	mu   sync.RWMutex
	path string
	f    *os.File
}

// NewFileBacking opens (creating if absent) the file at path.
func NewFileBacking(path string) (*FileBacking, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create backing directory: %v", ErrIO, err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open backing file: %v", ErrIO, err)
	}

	return &FileBacking{
		path: path,
		f:    f,
	}, nil
}

func (fb *FileBacking) ReadAt(offset int64, length int) ([]byte, error) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	buf := make([]byte, length)
	n, err := fb.f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read backing: %v", ErrIO, err)
	}
	return buf[:n], nil
}

func (fb *FileBacking) WriteAt(offset int64, p []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if _, err := fb.f.WriteAt(p, offset); err != nil {
		return fmt.Errorf("%w: write backing: %v", ErrIO, err)
	}
	return nil
}

func (fb *FileBacking) Size() (int64, error) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	info, err := fb.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat backing: %v", ErrIO, err)
	}
	return info.Size(), nil
}

func (fb *FileBacking) Truncate(size int64) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if err := fb.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate backing: %v", ErrIO, err)
	}
	return nil
}

// Flush forces buffered writes to the underlying storage device.
func (fb *FileBacking) Flush() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if err := fb.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync backing: %v", ErrIO, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (fb *FileBacking) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if err := fb.f.Close(); err != nil {
		return fmt.Errorf("%w: close backing: %v", ErrIO, err)
	}
	return nil
}
