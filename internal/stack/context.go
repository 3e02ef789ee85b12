// Package stack implements the register-walking stack unwinder and the
// thread-suspension primitives every detector builds on. A walk never
// aborts the process: every failure collapses to "no frame".
package stack

import (
	"github.com/hangwatch/hangwatch/internal/platform"
)

// MachineContext is a per-thread capability record: the owning thread, its
// register set at the moment of capture, and (for crash or signal captures)
// the peer threads present at that moment.
//
// The register set is meaningful only when Observable is true. A context is
// created empty, populated once, and consumed by zero or more cursors.
// Storage is caller-owned.
type MachineContext struct {
	Thread     platform.ThreadID
	Observable bool
	Crashed    bool
	Registers  platform.Registers
	Peers      []platform.ThreadInfo
}

// CaptureContext snapshots the register state of target. A thread cannot be
// safely observed while it is itself running the observer on its own stack,
// so capturing the caller's own thread yields an unobservable context with
// no registers. Crashed captures additionally enumerate peer threads.
func CaptureContext(threads platform.Threads, target platform.ThreadID, crashed bool) (MachineContext, error) {
	ctx := MachineContext{Thread: target, Crashed: crashed}
	if target == threads.Current() {
		return ctx, nil
	}
	regs, err := threads.ReadRegisters(target)
	if err != nil {
		return ctx, err
	}
	ctx.Registers = regs
	ctx.Observable = true
	if crashed {
		if peers, err := threads.Enumerate(); err == nil {
			ctx.Peers = peers
		}
	}
	return ctx, nil
}

// ContextFromSignal builds a context from a signal frame's saved register
// state. The capture is of the calling thread, yet it is observable: the
// registers describe the interrupted execution, not the handler.
func ContextFromSignal(thread platform.ThreadID, regs platform.Registers) MachineContext {
	return MachineContext{
		Thread:     thread,
		Observable: true,
		Crashed:    true,
		Registers:  regs,
	}
}
