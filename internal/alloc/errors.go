package alloc

import "errors"

// Init and runtime error taxonomy. Init errors leave the subsystem inert;
// the hard runtime error (corruption while draining) disables it while the
// stall and CPU detectors keep running.
var (
	// ErrAnalysisToolRunning means an external allocation instrumenter
	// owns the hook; installing over it would make both tools lie.
	ErrAnalysisToolRunning = errors.New("alloc: external allocation analysis tool is running")

	// ErrDisabled is returned by calls made after the subsystem disabled
	// itself or was stopped.
	ErrDisabled = errors.New("alloc: recorder is disabled")

	// ErrCorrupted means the drain thread met an undecodable record.
	ErrCorrupted = errors.New("alloc: event data corrupted while draining")
)
