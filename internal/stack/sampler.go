package stack

import (
	"github.com/hangwatch/hangwatch/internal/platform"
)

// Sampler captures peer-thread stacks: context capture plus a bounded
// cursor walk. It holds no per-sample state, so one Sampler serves every
// detector.
type Sampler struct {
	threads  platform.Threads
	mem      Memory
	maxDepth int
}

// NewSampler creates a sampler walking at most maxDepth frames per capture.
// A maxDepth <= 0 or above the hard ceiling falls back to MaxSampleDepth.
func NewSampler(threads platform.Threads, mem Memory, maxDepth int) *Sampler {
	if maxDepth <= 0 || maxDepth > HardDepthLimit {
		maxDepth = MaxSampleDepth
	}
	return &Sampler{threads: threads, mem: mem, maxDepth: maxDepth}
}

// SampleThread captures target's current stack. Any failure, registers
// unreadable or a walk that is immediately dead, yields an empty slice; the sampler
// never aborts the caller.
func (s *Sampler) SampleThread(target platform.ThreadID) []uint64 {
	ctx, err := CaptureContext(s.threads, target, false)
	if err != nil || !ctx.Observable {
		return nil
	}
	cur := NewCursor(&ctx, s.mem, s.maxDepth)
	return cur.Walk()
}
