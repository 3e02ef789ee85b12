// Package allocdb implements the on-disk record of live allocations: two
// mmap-backed open-addressed hash tables (allocations by address, stacks
// by hash), append-only image and type-name logs, and the run-directory
// layout consumer tools read after the process has died.
//
// Exactly one thread, the drain thread, writes. Readers are
// out-of-process: the next launch or an inspection tool. The cell layouts
// are therefore a little-endian, 8-byte-aligned file ABI, not an internal
// detail.
package allocdb

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrMmapFailed wraps any mapping-layer failure; init-time occurrences
// disable the subsystem.
var ErrMmapFailed = errors.New("allocdb: mmap failed")

// MmapFile is a file-backed byte region that grows by ftruncate plus
// re-mmap. Growth invalidates previously taken pointers into the mapping;
// the single-writer discipline makes that safe to demand of callers.
type MmapFile struct {
	f    *os.File
	data []byte
}

// OpenMmapFile opens or creates path with at least size bytes mapped.
func OpenMmapFile(path string, size int) (*MmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if int(st.Size()) > size {
		size = int(st.Size())
	}
	m := &MmapFile{f: f}
	if err := m.remap(size); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *MmapFile) remap(size int) error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("%w: munmap: %v", ErrMmapFailed, err)
		}
		m.data = nil
	}
	if err := m.f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("allocdb: ftruncate failed: %w", err)
	}
	data, err := unix.Mmap(int(m.f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMmapFailed, err)
	}
	m.data = data
	return nil
}

// Grow extends the mapping to newSize. All previously taken slices into
// Bytes are invalid afterwards.
func (m *MmapFile) Grow(newSize int) error {
	if newSize <= len(m.data) {
		return nil
	}
	return m.remap(newSize)
}

// Bytes returns the current mapping.
func (m *MmapFile) Bytes() []byte { return m.data }

// Len returns the mapped size.
func (m *MmapFile) Len() int { return len(m.data) }

// Sync schedules write-back of the mapping to disk.
func (m *MmapFile) Sync() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("allocdb: msync failed: %w", err)
	}
	return nil
}

// Close unmaps and closes the file.
func (m *MmapFile) Close() error {
	var first error
	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil && first == nil {
			first = err
		}
		if err := unix.Munmap(m.data); err != nil && first == nil {
			first = err
		}
		m.data = nil
	}
	if err := m.f.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
