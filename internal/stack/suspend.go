package stack

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hangwatch/hangwatch/internal/platform"
)

// ErrNested is returned by a second Suspend without an intervening Resume.
// Nested suspension is disallowed: the second caller must not believe it
// owns the environment.
var ErrNested = errors.New("stack: environment already suspended")

// ErrNotSuspended is returned by Resume when no suspension is active.
var ErrNotSuspended = errors.New("stack: environment not suspended")

const maxReservedThreads = 10

// Environment suspends every peer thread in the process so that
// cross-thread register snapshots are consistent. The caller's own thread
// and a short allow-list of reserved threads (a watchdog, the sampler) keep
// running. A one-slot semaphore held for the whole suspended region admits
// one Suspend/Resume pair at a time; a Suspend while it is held is refused
// with ErrNested rather than waiting.
type Environment struct {
	threads platform.Threads
	logger  zerolog.Logger

	// The region semaphore also guards the fields below; see Suspend.
	reserved  []platform.ThreadID
	suspended []platform.ThreadID
	active    bool
	sem       chan struct{}
}

// NewEnvironment creates an environment over the given thread API.
func NewEnvironment(threads platform.Threads, logger zerolog.Logger) *Environment {
	return &Environment{
		threads: threads,
		logger:  logger.With().Str("component", "suspend_env").Logger(),
		sem:     make(chan struct{}, 1),
	}
}

// Reserve adds a thread to the allow-list of threads that must keep running
// while the environment is suspended.
func (e *Environment) Reserve(id platform.ThreadID) error {
	if len(e.reserved) >= maxReservedThreads {
		return fmt.Errorf("too many reserved threads (%d), max is %d", len(e.reserved)+1, maxReservedThreads)
	}
	e.reserved = append(e.reserved, id)
	return nil
}

// Suspend stops every peer thread except the caller and the reserved set.
// A thread that cannot be suspended (kernel-blocked, already exited, or the
// host lacks per-thread suspend) is logged and skipped. A second Suspend
// without an intervening Resume is refused with ErrNested.
func (e *Environment) Suspend() error {
	select {
	case e.sem <- struct{}{}:
	default:
		return ErrNested
	}
	e.active = true

	self := e.threads.Current()
	peers, err := e.threads.Enumerate()
	if err != nil {
		e.active = false
		<-e.sem
		return fmt.Errorf("failed to enumerate threads: %w", err)
	}

	e.suspended = e.suspended[:0]
	for _, p := range peers {
		if p.ID == self || e.isReserved(p.ID) {
			continue
		}
		if err := e.threads.Suspend(p.ID); err != nil {
			e.logger.Warn().Err(err).Uint64("tid", uint64(p.ID)).Msg("Failed to suspend peer thread, skipping")
			continue
		}
		e.suspended = append(e.suspended, p.ID)
	}
	return nil
}

// Resume reverses a Suspend, waking exactly the threads that were stopped.
func (e *Environment) Resume() error {
	if !e.active {
		return ErrNotSuspended
	}
	for _, id := range e.suspended {
		if err := e.threads.Resume(id); err != nil {
			e.logger.Warn().Err(err).Uint64("tid", uint64(id)).Msg("Failed to resume peer thread")
		}
	}
	e.suspended = e.suspended[:0]
	e.active = false
	<-e.sem
	return nil
}

// Suspended runs fn inside a suspend/resume pair and guarantees the resume
// on every exit path, including a panic inside fn.
func (e *Environment) Suspended(fn func()) error {
	if err := e.Suspend(); err != nil {
		return err
	}
	defer func() {
		_ = e.Resume()
	}()
	fn()
	return nil
}

func (e *Environment) isReserved(id platform.ThreadID) bool {
	for _, r := range e.reserved {
		if r == id {
			return true
		}
	}
	return false
}
