// Package dump materializes captured snapshots into out-of-process
// artifacts: a JSON envelope carrying the point stack, the merged profile
// (as JSON and as a gzipped pprof protobuf), hot-thread stacks, the live
// allocation snapshot, and device metadata, written into the run directory
// and handed to the upload collaborator.
package dump

// Kind classifies a dump artifact. The numeric values are part of the
// artifact format consumed by backend tooling.
type Kind uint32

const (
	KindUnlag                     Kind = 2000
	KindMainThreadBlock           Kind = 2001
	KindBackgroundMainThreadBlock Kind = 2002
	KindCPUBlock                  Kind = 2003
	KindSelfDefined               Kind = 2005
	KindLaunchBlock               Kind = 2007
	KindBlockThreadTooMuch        Kind = 2009
	KindBlockAndBeKilled          Kind = 2010
	KindSustainedCPU              Kind = 2011
	KindDiskIO                    Kind = 2013
	KindFPS                       Kind = 2014
	KindTest                      Kind = 10000
)

func (k Kind) String() string {
	switch k {
	case KindUnlag:
		return "unlag"
	case KindMainThreadBlock:
		return "main_thread_block"
	case KindBackgroundMainThreadBlock:
		return "background_main_thread_block"
	case KindCPUBlock:
		return "cpu_block"
	case KindSelfDefined:
		return "self_defined"
	case KindLaunchBlock:
		return "launch_block"
	case KindBlockThreadTooMuch:
		return "block_thread_too_much"
	case KindBlockAndBeKilled:
		return "block_and_be_killed"
	case KindSustainedCPU:
		return "sustained_cpu"
	case KindDiskIO:
		return "disk_io"
	case KindFPS:
		return "fps"
	case KindTest:
		return "test"
	default:
		return "unknown"
	}
}

// FilterReason explains why a dump decision declined to emit.
type FilterReason int

const (
	FilterNone FilterReason = iota
	// FilterMeaningless: the point stack is too shallow to diagnose.
	FilterMeaningless
	// FilterAnnealing: the same stack fingerprint was emitted too
	// recently; a cooldown suppresses the feedback loop.
	FilterAnnealing
	// FilterTooMuch: the daily dump quota is exhausted.
	FilterTooMuch
)

func (f FilterReason) String() string {
	switch f {
	case FilterNone:
		return "none"
	case FilterMeaningless:
		return "meaningless"
	case FilterAnnealing:
		return "annealing"
	case FilterTooMuch:
		return "too_much"
	default:
		return "unknown"
	}
}
