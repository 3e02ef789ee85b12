package allocdb

import (
	"encoding/binary"
	"fmt"
)

// alloc-table.dat layout. Header then fixed-width cells, little-endian.
//
//	header: magic u32, version u32, cellCount u64, used u64, reserved u64
//	cell:   addr u64 (0 = empty, ^0 = tombstone), size u64, stackID u64,
//	        timestamp u64 (µs), typeTag u32, flags u32
const (
	allocMagic      = 0x4857414c // "HWAL"
	allocVersion    = 1
	allocHeaderSize = 32
	allocCellSize   = 40

	allocInitialCells = 4096
	tombstone         = ^uint64(0)
)

// AllocRow is one live allocation.
type AllocRow struct {
	Addr      uint64
	Size      uint64
	StackID   uint64
	Timestamp uint64
	TypeTag   uint32
	Flags     uint32
}

// AllocTable is the open-addressed live-allocation table keyed by address.
// Single writer; rows are created by alloc events, mutated by type
// updates, and destroyed by matching frees.
type AllocTable struct {
	m     *MmapFile
	cells uint64
	used  uint64
}

// OpenAllocTable opens or creates the table at path.
func OpenAllocTable(path string) (*AllocTable, error) {
	m, err := OpenMmapFile(path, allocHeaderSize+allocInitialCells*allocCellSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open alloc table: %w", err)
	}
	t := &AllocTable{m: m}
	cells, used, err := initTableHeader(m, allocMagic, allocVersion, allocInitialCells, allocCellSize, allocHeaderSize)
	if err != nil {
		m.Close()
		return nil, err
	}
	t.cells, t.used = cells, used
	return t, nil
}

// initTableHeader validates an existing header or writes a fresh one. Both
// tables share the header shape: magic u32, version u32, cellCount u64,
// used u64, reserved u64.
func initTableHeader(m *MmapFile, magic, version uint32, initialCells uint64, cellSize, headerSize int) (cells, used uint64, err error) {
	b := m.Bytes()
	gotMagic := binary.LittleEndian.Uint32(b[0:4])
	if gotMagic == 0 {
		binary.LittleEndian.PutUint32(b[0:4], magic)
		binary.LittleEndian.PutUint32(b[4:8], version)
		binary.LittleEndian.PutUint64(b[8:16], initialCells)
		binary.LittleEndian.PutUint64(b[16:24], 0)
		return initialCells, 0, nil
	}
	if gotMagic != magic {
		return 0, 0, fmt.Errorf("allocdb: bad magic %#x in table file", gotMagic)
	}
	cells = binary.LittleEndian.Uint64(b[8:16])
	used = binary.LittleEndian.Uint64(b[16:24])
	need := headerSize + int(cells)*cellSize
	if m.Len() < need {
		return 0, 0, fmt.Errorf("allocdb: table file truncated: have %d bytes, need %d", m.Len(), need)
	}
	return cells, used, nil
}

func (t *AllocTable) cellAt(i uint64) []byte {
	off := allocHeaderSize + int(i)*allocCellSize
	return t.m.Bytes()[off : off+allocCellSize]
}

func readAllocCell(c []byte) AllocRow {
	return AllocRow{
		Addr:      binary.LittleEndian.Uint64(c[0:8]),
		Size:      binary.LittleEndian.Uint64(c[8:16]),
		StackID:   binary.LittleEndian.Uint64(c[16:24]),
		Timestamp: binary.LittleEndian.Uint64(c[24:32]),
		TypeTag:   binary.LittleEndian.Uint32(c[32:36]),
		Flags:     binary.LittleEndian.Uint32(c[36:40]),
	}
}

func writeAllocCell(c []byte, r AllocRow) {
	binary.LittleEndian.PutUint64(c[0:8], r.Addr)
	binary.LittleEndian.PutUint64(c[8:16], r.Size)
	binary.LittleEndian.PutUint64(c[16:24], r.StackID)
	binary.LittleEndian.PutUint64(c[24:32], r.Timestamp)
	binary.LittleEndian.PutUint32(c[32:36], r.TypeTag)
	binary.LittleEndian.PutUint32(c[36:40], r.Flags)
}

// Put inserts or replaces the row for r.Addr.
func (t *AllocTable) Put(r AllocRow) error {
	if r.Addr == 0 || r.Addr == tombstone {
		return fmt.Errorf("allocdb: invalid allocation address %#x", r.Addr)
	}
	if t.used*4 >= t.cells*3 {
		if err := t.grow(); err != nil {
			return err
		}
	}
	i := t.slotFor(r.Addr)
	c := t.cellAt(i)
	if key := binary.LittleEndian.Uint64(c[0:8]); key == 0 || key == tombstone {
		t.used++
		t.storeUsed()
	}
	writeAllocCell(c, r)
	return nil
}

// Get returns the live row at addr.
func (t *AllocTable) Get(addr uint64) (AllocRow, bool) {
	i, ok := t.find(addr)
	if !ok {
		return AllocRow{}, false
	}
	return readAllocCell(t.cellAt(i)), true
}

// Delete removes the row at addr; a miss is a no-op (the free of an
// address allocated before recording started).
func (t *AllocTable) Delete(addr uint64) {
	i, ok := t.find(addr)
	if !ok {
		return
	}
	c := t.cellAt(i)
	binary.LittleEndian.PutUint64(c[0:8], tombstone)
	t.used--
	t.storeUsed()
}

// UpdateType sets the type tag on the live row at addr; a miss is a no-op.
func (t *AllocTable) UpdateType(addr uint64, typeTag uint32) {
	i, ok := t.find(addr)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint32(t.cellAt(i)[32:36], typeTag)
}

// Len returns the number of live rows.
func (t *AllocTable) Len() int { return int(t.used) }

// Range visits every live row.
func (t *AllocTable) Range(visit func(AllocRow) bool) {
	for i := uint64(0); i < t.cells; i++ {
		c := t.cellAt(i)
		key := binary.LittleEndian.Uint64(c[0:8])
		if key == 0 || key == tombstone {
			continue
		}
		if !visit(readAllocCell(c)) {
			return
		}
	}
}

// Reset drops every row.
func (t *AllocTable) Reset() {
	for i := uint64(0); i < t.cells; i++ {
		binary.LittleEndian.PutUint64(t.cellAt(i)[0:8], 0)
	}
	t.used = 0
	t.storeUsed()
}

// Sync flushes the mapping.
func (t *AllocTable) Sync() error { return t.m.Sync() }

// Close flushes and closes the backing file.
func (t *AllocTable) Close() error { return t.m.Close() }

func (t *AllocTable) storeUsed() {
	binary.LittleEndian.PutUint64(t.m.Bytes()[16:24], t.used)
}

// slotFor probes for addr's cell: its current slot if present, else the
// first reusable slot on its probe path.
func (t *AllocTable) slotFor(addr uint64) uint64 {
	i := hashAddr(addr) % t.cells
	firstDead := uint64(0)
	haveDead := false
	for probes := uint64(0); probes < t.cells; probes++ {
		c := t.cellAt(i)
		key := binary.LittleEndian.Uint64(c[0:8])
		switch key {
		case addr:
			return i
		case 0:
			if haveDead {
				return firstDead
			}
			return i
		case tombstone:
			if !haveDead {
				firstDead = i
				haveDead = true
			}
		}
		i = (i + 1) % t.cells
	}
	// Probed every cell; growth thresholds keep this unreachable.
	return i
}

func (t *AllocTable) find(addr uint64) (uint64, bool) {
	i := hashAddr(addr) % t.cells
	for probes := uint64(0); probes < t.cells; probes++ {
		c := t.cellAt(i)
		key := binary.LittleEndian.Uint64(c[0:8])
		if key == addr {
			return i, true
		}
		if key == 0 {
			return 0, false
		}
		i = (i + 1) % t.cells
	}
	return 0, false
}

// grow doubles the cell count and rehashes in place. The drain thread is
// the only writer, so taking the rows aside first is safe.
func (t *AllocTable) grow() error {
	rows := make([]AllocRow, 0, t.used)
	t.Range(func(r AllocRow) bool {
		rows = append(rows, r)
		return true
	})

	newCells := t.cells * 2
	if err := t.m.Grow(allocHeaderSize + int(newCells)*allocCellSize); err != nil {
		return fmt.Errorf("failed to grow alloc table: %w", err)
	}
	t.cells = newCells
	b := t.m.Bytes()
	binary.LittleEndian.PutUint64(b[8:16], newCells)
	for i := uint64(0); i < newCells; i++ {
		binary.LittleEndian.PutUint64(t.cellAt(i)[0:8], 0)
	}
	t.used = 0
	t.storeUsed()
	for _, r := range rows {
		i := t.slotFor(r.Addr)
		c := t.cellAt(i)
		writeAllocCell(c, r)
		t.used++
	}
	t.storeUsed()
	return nil
}

// hashAddr mixes an address before probing; allocation addresses share
// their low alignment bits.
func hashAddr(a uint64) uint64 {
	a ^= a >> 33
	a *= 0xff51afd7ed558ccd
	a ^= a >> 33
	return a
}
