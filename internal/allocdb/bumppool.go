package allocdb

import "fmt"

// BumpPool is a monotonic allocator over a growing mmap'ed file, used for
// transient stack-dedup storage. There is no free: the file is discarded
// as a whole at process exit.
type BumpPool struct {
	m    *MmapFile
	next int
}

const bumpInitialSize = 256 * 1024

// OpenBumpPool creates the pool file at path.
func OpenBumpPool(path string) (*BumpPool, error) {
	m, err := OpenMmapFile(path, bumpInitialSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open bump pool: %w", err)
	}
	return &BumpPool{m: m}, nil
}

// Alloc reserves n bytes aligned to 16 and returns the region's offset.
// Previously returned offsets stay valid across growth; slices taken via
// Bytes do not.
func (p *BumpPool) Alloc(n int) (int, error) {
	off := (p.next + 15) &^ 15
	for off+n > p.m.Len() {
		if err := p.m.Grow(p.m.Len() * 2); err != nil {
			return 0, err
		}
	}
	p.next = off + n
	return off, nil
}

// Bytes returns the n bytes at off. The slice is invalidated by the next
// Alloc that grows the pool.
func (p *BumpPool) Bytes(off, n int) []byte {
	return p.m.Bytes()[off : off+n]
}

// Used returns the high-water mark.
func (p *BumpPool) Used() int { return p.next }

// Close unmaps the pool. The backing file carries no state worth keeping.
func (p *BumpPool) Close() error { return p.m.Close() }
