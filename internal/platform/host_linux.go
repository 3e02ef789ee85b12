//go:build linux

package platform

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/hangwatch/hangwatch/internal/safe"
)

// HostThreads is the Linux implementation of Threads. Enumeration and CPU
// shares come from procfs via gopsutil; per-thread suspend and cross-thread
// register reads are not available for the calling process on Linux and
// degrade to ErrUnsupported.
type HostThreads struct {
	proc *process.Process

	mu      sync.Mutex
	lastAt  time.Time
	lastCPU map[ThreadID]float64 // cumulative user+system seconds per tid
}

// NewHostThreads binds to the calling process.
func NewHostThreads() (*HostThreads, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	return &HostThreads{proc: p, lastCPU: make(map[ThreadID]float64)}, nil
}

func (h *HostThreads) Current() ThreadID { return ThreadID(unix.Gettid()) }

// Enumerate samples per-thread cumulative CPU time and converts it to an
// instantaneous percentage against the interval since the previous call.
// The first call has no interval and reports 0 for every thread.
func (h *HostThreads) Enumerate() ([]ThreadInfo, error) {
	stats, err := h.proc.Threads()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate threads: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	interval := now.Sub(h.lastAt).Seconds()
	first := h.lastAt.IsZero()

	infos := make([]ThreadInfo, 0, len(stats))
	next := make(map[ThreadID]float64, len(stats))
	for tid, ts := range stats {
		id := ThreadID(tid)
		total := ts.User + ts.System
		next[id] = total

		var pct float64
		if !first && interval > 0 {
			if prev, ok := h.lastCPU[id]; ok {
				pct = safe.ClampPercent((total - prev) / interval * 100)
			}
		}
		infos = append(infos, ThreadInfo{ID: id, CPUPercent: pct})
	}
	h.lastAt = now
	h.lastCPU = next
	return infos, nil
}

func (h *HostThreads) Suspend(ThreadID) error { return ErrUnsupported }

func (h *HostThreads) Resume(ThreadID) error { return ErrUnsupported }

func (h *HostThreads) ReadRegisters(ThreadID) (Registers, error) {
	return Registers{}, ErrUnsupported
}

// HostMemory reads the calling process's own address space through
// process_vm_readv, which returns EFAULT for unmapped pages instead of
// delivering SIGSEGV.
type HostMemory struct {
	pid int
}

// NewHostMemory returns a Memory bound to the calling process.
func NewHostMemory() *HostMemory { return &HostMemory{pid: os.Getpid()} }

func (m *HostMemory) SafeCopy(dst []byte, src uint64) bool {
	if len(dst) == 0 {
		return true
	}
	local := []unix.Iovec{{
		Base: &dst[0],
		Len:  uint64(len(dst)),
	}}
	remote := []unix.RemoteIovec{{
		Base: uintptr(src),
		Len:  len(dst),
	}}
	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	return err == nil && n == len(dst)
}
