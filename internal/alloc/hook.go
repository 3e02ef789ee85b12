// Package alloc intercepts heap events: a process-wide logger hook routes
// every allocation and release through a dispatcher that records the event
// into the calling thread's buffer, and a dedicated drain thread persists
// live allocations with their creating stacks. At process death the
// on-disk tables are the forensic record of what was retained.
package alloc

import (
	"sync/atomic"
)

// Event kind flags, matching the platform logger convention: a realloc
// carries both the alloc and free bits; vm events carry their region alias
// in the high byte.
const (
	KindAlloc   uint32 = 1 << 1
	KindFree    uint32 = 1 << 2
	KindHasZone uint32 = 1 << 3
	KindVM      uint32 = 1 << 4

	// KindMappedFile marks mapped-file / shared-memory regions, which
	// are not heap provenance and are dropped.
	KindMappedFile uint32 = 1 << 7

	// KindObject marks an allocation eligible for a type tag.
	KindObject uint32 = 1 << 8

	vmAliasShift = 24
)

// VM region aliases. Events aliased inside [VMMemoryMalloc,
// VMMemoryMallocNano] are the allocator growing its own heap; the user
// visible malloc follows separately.
const (
	VMMemoryMalloc     = 1
	VMMemoryMallocNano = 11
)

// VMAlias extracts the region alias from a vm event's kind flags.
func VMAlias(kind uint32) uint32 { return kind >> vmAliasShift }

// LoggerFunc is the hook signature: (kind flags, zone, arg2, arg3, result,
// frames to skip), per the platform convention. For an allocation arg2 is
// the size and result the address; for a free arg2 is the address; for a
// realloc arg2 is the old address, arg3 the new size, result the new
// address.
type LoggerFunc func(kind uint32, zone, arg2, arg3, result uint64, framesToSkip int)

// hookCell is the process-wide logger pointer. Installation and removal
// are sequentially consistent stores; the hot path reads without further
// ordering; a stale read at disable time logs one last event or skips
// one, both acceptable.
var hookCell atomic.Pointer[LoggerFunc]

// InstallLogger sets the process-wide hook. Passing nil uninstalls.
func InstallLogger(f LoggerFunc) {
	if f == nil {
		hookCell.Store(nil)
		return
	}
	hookCell.Store(&f)
}

// LogEvent routes one heap event through the installed hook, if any. This
// is what the instrumented allocator calls on every operation.
func LogEvent(kind uint32, zone, arg2, arg3, result uint64, framesToSkip int) {
	if f := hookCell.Load(); f != nil {
		(*f)(kind, zone, arg2, arg3, result, framesToSkip)
	}
}

// HookInstalled reports whether a logger is currently installed.
func HookInstalled() bool { return hookCell.Load() != nil }
