//go:build !linux

package platform

// Stub host implementations for platforms without procfs and
// process_vm_readv. The core still runs against injected fakes; only the
// host wiring degrades.

type HostThreads struct{}

func NewHostThreads() (*HostThreads, error) { return &HostThreads{}, nil }

func (h *HostThreads) Current() ThreadID { return 0 }

func (h *HostThreads) Enumerate() ([]ThreadInfo, error) { return nil, ErrUnsupported }

func (h *HostThreads) Suspend(ThreadID) error { return ErrUnsupported }

func (h *HostThreads) Resume(ThreadID) error { return ErrUnsupported }

func (h *HostThreads) ReadRegisters(ThreadID) (Registers, error) {
	return Registers{}, ErrUnsupported
}

type HostMemory struct{}

func NewHostMemory() *HostMemory { return &HostMemory{} }

func (m *HostMemory) SafeCopy([]byte, uint64) bool { return false }
