package allocdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// ImageInfo describes one loaded binary image: written once at image load
// so the symbolizer can work after the process has died.
type ImageInfo struct {
	UUID     [16]byte
	LoadAddr uint64
	Path     string
}

// ImageLog is the append-only image-info.dat writer.
//
//	record: recLen u16, uuid [16]byte, loadAddr u64, path bytes
type ImageLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenImageLog opens image-info.dat for appending.
func OpenImageLog(path string) (*ImageLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image log: %w", err)
	}
	return &ImageLog{f: f}, nil
}

// Append records one image load.
func (l *ImageLog) Append(info ImageInfo) error {
	payload := 16 + 8 + len(info.Path)
	rec := make([]byte, 2+payload)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(payload))
	copy(rec[2:18], info.UUID[:])
	binary.LittleEndian.PutUint64(rec[18:26], info.LoadAddr)
	copy(rec[26:], info.Path)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(rec); err != nil {
		return fmt.Errorf("failed to append image record: %w", err)
	}
	return nil
}

// Close closes the log.
func (l *ImageLog) Close() error { return l.f.Close() }

// ReadImageLog parses an image-info.dat file.
func ReadImageLog(path string) ([]ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image log: %w", err)
	}
	defer f.Close()

	var out []ImageInfo
	r := bufio.NewReader(f)
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("failed to read image record: %w", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return out, fmt.Errorf("failed to read image record: %w", err)
		}
		if len(payload) < 24 {
			return out, fmt.Errorf("image record too short: %d bytes", len(payload))
		}
		var info ImageInfo
		copy(info.UUID[:], payload[0:16])
		info.LoadAddr = binary.LittleEndian.Uint64(payload[16:24])
		info.Path = string(payload[24:])
		out = append(out, info)
	}
}

// TypeTable interns object type-tag strings into u32 ids, mirrored to the
// append-only object-type.dat file.
//
//	record: recLen u16, id u32, name bytes
type TypeTable struct {
	mu   sync.Mutex
	f    *os.File
	ids  map[string]uint32
	next uint32
}

// OpenTypeTable opens object-type.dat, replaying any existing records so
// ids stay stable across re-opens within a run.
func OpenTypeTable(path string) (*TypeTable, error) {
	existing, err := readTypeRecords(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open type table: %w", err)
	}
	t := &TypeTable{f: f, ids: make(map[string]uint32), next: 1}
	for id, name := range existing {
		t.ids[name] = id
		if id >= t.next {
			t.next = id + 1
		}
	}
	return t, nil
}

// Intern returns the stable id for name, assigning and persisting a new
// one on first sighting. Id 0 means "no type tag".
func (t *TypeTable) Intern(name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[name]; ok {
		return id, nil
	}
	id := t.next
	t.next++

	payload := 4 + len(name)
	rec := make([]byte, 2+payload)
	binary.LittleEndian.PutUint16(rec[0:2], uint16(payload))
	binary.LittleEndian.PutUint32(rec[2:6], id)
	copy(rec[6:], name)
	if _, err := t.f.Write(rec); err != nil {
		return 0, fmt.Errorf("failed to append type record: %w", err)
	}
	t.ids[name] = id
	return id, nil
}

// Close closes the table file.
func (t *TypeTable) Close() error { return t.f.Close() }

// ReadTypeTable parses object-type.dat into id → name.
func ReadTypeTable(path string) (map[uint32]string, error) {
	return readTypeRecords(path)
}

func readTypeRecords(path string) (map[uint32]string, error) {
	out := make(map[uint32]string)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to open type table: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("failed to read type record: %w", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("failed to read type record: %w", err)
		}
		if len(payload) < 4 {
			return nil, fmt.Errorf("type record too short: %d bytes", len(payload))
		}
		out[binary.LittleEndian.Uint32(payload[0:4])] = string(payload[4:])
	}
}
