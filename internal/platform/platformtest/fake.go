// Package platformtest provides in-memory fakes for the platform boundary.
// Tests script thread sets, register states, and frame-pointer chains
// without touching the real host.
package platformtest

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hangwatch/hangwatch/internal/platform"
)

// FakeMemory is a sparse byte-addressable space. Reads touching any byte
// that was never written fail, which models a fault on an unmapped page.
type FakeMemory struct {
	mu    sync.Mutex
	bytes map[uint64]byte
}

// NewFakeMemory returns an empty address space.
func NewFakeMemory() *FakeMemory {
	return &FakeMemory{bytes: make(map[uint64]byte)}
}

// Write places b at addr.
func (m *FakeMemory) Write(addr uint64, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range b {
		m.bytes[addr+uint64(i)] = v
	}
}

// WriteFrame lays down a 16-byte frame record at fp: the predecessor frame
// pointer followed by the return address.
func (m *FakeMemory) WriteFrame(fp, prevFP, retAddr uint64) {
	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[0:8], prevFP)
	binary.LittleEndian.PutUint64(rec[8:16], retAddr)
	m.Write(fp, rec[:])
}

func (m *FakeMemory) SafeCopy(dst []byte, src uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range dst {
		v, ok := m.bytes[src+uint64(i)]
		if !ok {
			return false
		}
		dst[i] = v
	}
	return true
}

// FakeThread is one scripted thread.
type FakeThread struct {
	Regs       platform.Registers
	CPUPercent float64
	Idle       bool

	SuspendCount int
	ResumeCount  int
	SuspendErr   error
}

// FakeThreads implements platform.Threads over a scripted thread set.
type FakeThreads struct {
	mu           sync.Mutex
	current      platform.ThreadID
	perGoroutine bool
	threads      map[platform.ThreadID]*FakeThread
}

// NewFakeThreads creates a fake thread API whose calling thread is current.
func NewFakeThreads(current platform.ThreadID) *FakeThreads {
	f := &FakeThreads{
		current: current,
		threads: make(map[platform.ThreadID]*FakeThread),
	}
	f.threads[current] = &FakeThread{}
	return f
}

// Add registers a scripted thread and returns it for further mutation.
func (f *FakeThreads) Add(id platform.ThreadID, t *FakeThread) *FakeThread {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t == nil {
		t = &FakeThread{}
	}
	f.threads[id] = t
	return t
}

// SetCurrent changes which thread the fake reports as the caller.
func (f *FakeThreads) SetCurrent(id platform.ThreadID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = id
}

// UsePerGoroutineCurrent makes Current report a distinct stable id per
// calling goroutine, mimicking real kernel-thread identity. Needed by
// tests where producer and drain sides must not share a thread id.
func (f *FakeThreads) UsePerGoroutineCurrent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perGoroutine = true
}

func (f *FakeThreads) Current() platform.ThreadID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perGoroutine {
		return platform.ThreadID(goroutineID() + 1000)
	}
	return f.current
}

// goroutineID parses the goroutine header from a stack trace. Test-only.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

func (f *FakeThreads) Enumerate() ([]platform.ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]platform.ThreadInfo, 0, len(f.threads))
	for id, t := range f.threads {
		infos = append(infos, platform.ThreadInfo{ID: id, CPUPercent: t.CPUPercent, Idle: t.Idle})
	}
	return infos, nil
}

func (f *FakeThreads) Suspend(id platform.ThreadID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return fmt.Errorf("no such thread %d", id)
	}
	if t.SuspendErr != nil {
		return t.SuspendErr
	}
	t.SuspendCount++
	return nil
}

func (f *FakeThreads) Resume(id platform.ThreadID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return fmt.Errorf("no such thread %d", id)
	}
	t.ResumeCount++
	return nil
}

func (f *FakeThreads) ReadRegisters(id platform.ThreadID) (platform.Registers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return platform.Registers{}, fmt.Errorf("no such thread %d", id)
	}
	return t.Regs, nil
}

// Thread returns the scripted thread for id, or nil.
func (f *FakeThreads) Thread(id platform.ThreadID) *FakeThread {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[id]
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFakeClock starts at the given wall time with a zero monotonic reading.
func NewFakeClock(wall time.Time) *FakeClock {
	return &FakeClock{wall: wall}
}

// Advance moves both readings forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(d)
	c.mono += d
}

func (c *FakeClock) NowWall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *FakeClock) NowMonotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}
