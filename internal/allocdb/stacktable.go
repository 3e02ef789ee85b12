package allocdb

import (
	"encoding/binary"
	"fmt"
)

// stack-table.dat layout. Same header shape as the alloc table.
//
//	cell: hash u64 (0 = empty), frameCount u32, reserved u32,
//	      frames [maxStoredFrames]u64
//
// Stacks are written once on first sighting of a hash and never mutated
// or removed; there are no tombstones.
const (
	stackMagic      = 0x48575354 // "HWST"
	stackVersion    = 1
	stackHeaderSize = 32

	// maxStoredFrames bounds a persisted stack; deeper stacks are
	// truncated at capture time before they reach the table.
	maxStoredFrames = 100

	stackCellSize = 8 + 4 + 4 + 8*maxStoredFrames

	stackInitialCells = 1024
)

// StackRow is one deduplicated stack.
type StackRow struct {
	Hash   uint64
	Frames []uint64
}

// StackTable is the open-addressed dedup table keyed by 64-bit stack hash.
type StackTable struct {
	m     *MmapFile
	cells uint64
	used  uint64
}

// OpenStackTable opens or creates the table at path.
func OpenStackTable(path string) (*StackTable, error) {
	m, err := OpenMmapFile(path, stackHeaderSize+stackInitialCells*stackCellSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open stack table: %w", err)
	}
	t := &StackTable{m: m}
	cells, used, err := initTableHeader(m, stackMagic, stackVersion, stackInitialCells, stackCellSize, stackHeaderSize)
	if err != nil {
		m.Close()
		return nil, err
	}
	t.cells, t.used = cells, used
	return t, nil
}

func (t *StackTable) cellAt(i uint64) []byte {
	off := stackHeaderSize + int(i)*stackCellSize
	return t.m.Bytes()[off : off+stackCellSize]
}

// Insert records frames under hash. Re-sighting an existing hash touches
// nothing. A zero hash is refused; hash zero is the empty-cell marker.
func (t *StackTable) Insert(hash uint64, frames []uint64) error {
	if hash == 0 {
		return fmt.Errorf("allocdb: zero stack hash")
	}
	if t.used*4 >= t.cells*3 {
		if err := t.grow(); err != nil {
			return err
		}
	}
	i := hashAddr(hash) % t.cells
	for {
		c := t.cellAt(i)
		key := binary.LittleEndian.Uint64(c[0:8])
		if key == hash {
			return nil
		}
		if key == 0 {
			if len(frames) > maxStoredFrames {
				frames = frames[:maxStoredFrames]
			}
			binary.LittleEndian.PutUint64(c[0:8], hash)
			binary.LittleEndian.PutUint32(c[8:12], uint32(len(frames)))
			for fi, f := range frames {
				binary.LittleEndian.PutUint64(c[16+8*fi:24+8*fi], f)
			}
			t.used++
			binary.LittleEndian.PutUint64(t.m.Bytes()[16:24], t.used)
			return nil
		}
		i = (i + 1) % t.cells
	}
}

// Contains reports whether hash has been recorded.
func (t *StackTable) Contains(hash uint64) bool {
	_, ok := t.Get(hash)
	return ok
}

// Get returns the stack recorded under hash.
func (t *StackTable) Get(hash uint64) (StackRow, bool) {
	if hash == 0 {
		return StackRow{}, false
	}
	i := hashAddr(hash) % t.cells
	for probes := uint64(0); probes < t.cells; probes++ {
		c := t.cellAt(i)
		key := binary.LittleEndian.Uint64(c[0:8])
		if key == hash {
			n := binary.LittleEndian.Uint32(c[8:12])
			frames := make([]uint64, n)
			for fi := range frames {
				frames[fi] = binary.LittleEndian.Uint64(c[16+8*fi : 24+8*fi])
			}
			return StackRow{Hash: hash, Frames: frames}, true
		}
		if key == 0 {
			return StackRow{}, false
		}
		i = (i + 1) % t.cells
	}
	return StackRow{}, false
}

// Len returns the number of recorded stacks.
func (t *StackTable) Len() int { return int(t.used) }

// Range visits every recorded stack.
func (t *StackTable) Range(visit func(StackRow) bool) {
	for i := uint64(0); i < t.cells; i++ {
		c := t.cellAt(i)
		hash := binary.LittleEndian.Uint64(c[0:8])
		if hash == 0 {
			continue
		}
		n := binary.LittleEndian.Uint32(c[8:12])
		frames := make([]uint64, n)
		for fi := range frames {
			frames[fi] = binary.LittleEndian.Uint64(c[16+8*fi : 24+8*fi])
		}
		if !visit(StackRow{Hash: hash, Frames: frames}) {
			return
		}
	}
}

// Sync flushes the mapping.
func (t *StackTable) Sync() error { return t.m.Sync() }

// Close flushes and closes the backing file.
func (t *StackTable) Close() error { return t.m.Close() }

func (t *StackTable) grow() error {
	var rows []StackRow
	t.Range(func(r StackRow) bool {
		rows = append(rows, r)
		return true
	})

	newCells := t.cells * 2
	if err := t.m.Grow(stackHeaderSize + int(newCells)*stackCellSize); err != nil {
		return fmt.Errorf("failed to grow stack table: %w", err)
	}
	t.cells = newCells
	binary.LittleEndian.PutUint64(t.m.Bytes()[8:16], newCells)
	for i := uint64(0); i < newCells; i++ {
		binary.LittleEndian.PutUint64(t.cellAt(i)[0:8], 0)
	}
	t.used = 0
	binary.LittleEndian.PutUint64(t.m.Bytes()[16:24], 0)
	for _, r := range rows {
		if err := t.Insert(r.Hash, r.Frames); err != nil {
			return err
		}
	}
	return nil
}
