// Package stall watches the instrumented event loop for main-thread
// stalls. Two edge hooks timestamp activity boundaries; a sampler loop
// keeps a ring of main-thread stacks and classifies any activity that
// outlives the runloop threshold, emitting a dump built around the ring's
// point stack.
package stall

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangwatch/hangwatch/internal/allocdb"
	"github.com/hangwatch/hangwatch/internal/config"
	"github.com/hangwatch/hangwatch/internal/cpuwatch"
	"github.com/hangwatch/hangwatch/internal/dump"
	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/ring"
	"github.com/hangwatch/hangwatch/internal/stack"
	"github.com/hangwatch/hangwatch/internal/threads"
)

// sensitiveHangThreshold fires the single-iteration runloop-hang signal,
// independent of the multi-sample stall detector.
const sensitiveHangThreshold = 250 * time.Millisecond

// tooManyThreads reclassifies a stall when the process is drowning in
// threads.
const tooManyThreads = 64

// ErrDynamicDisabled is returned by threshold operations when the config
// pins the threshold.
var ErrDynamicDisabled = errors.New("stall: dynamic threshold adjustment is disabled")

// Observer receives detector callbacks. OnStallDetected and OnRunloopHang
// are invoked from the sampler thread, OnThresholdChanged from the caller
// of SetThreshold; all must return quickly.
type Observer interface {
	OnStallDetected(kind dump.Kind, duration time.Duration)
	OnThresholdChanged(threshold time.Duration)
	OnRunloopHang(duration time.Duration)
}

// NopObserver is the default Observer.
type NopObserver struct{}

func (NopObserver) OnStallDetected(dump.Kind, time.Duration) {}
func (NopObserver) OnThresholdChanged(time.Duration) {}
func (NopObserver) OnRunloopHang(time.Duration) {}

// Monitor is the main-thread stall detector.
type Monitor struct {
	cfg      config.Config
	clock    platform.Clock
	threads  platform.Threads
	sampler  *stack.Sampler
	dumper   *dump.Dumper
	cpu      *cpuwatch.Watcher
	observer Observer
	run      *allocdb.RunDir
	logger   zerolog.Logger

	mainThread platform.ThreadID
	sceneFn    func() string

	mu        sync.Mutex
	threshold time.Duration
	ring      *ring.Ring

	// Activity edge timestamps, monotonic. Guarded by edgeMu so a
	// snapshot reads a consistent pair.
	edgeMu          sync.Mutex
	activityStart   time.Duration
	activityEnd     time.Duration
	launchCompleted bool

	foreground   bool
	suspended    bool
	hangSignaled bool

	lastCheck    time.Duration
	sinceCheck   time.Duration
	stalledSince time.Duration // activityStart of the stall already dumped
	lastCPU      cpuwatch.TickResult

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Options carries the monitor's collaborators.
type Options struct {
	Clock      platform.Clock
	Threads    platform.Threads
	Sampler    *stack.Sampler
	Dumper     *dump.Dumper
	CPU        *cpuwatch.Watcher
	Observer   Observer
	Run        *allocdb.RunDir
	MainThread platform.ThreadID
	Scene      func() string
}

// NewMonitor builds a stall monitor; Start launches the sampler loop.
func NewMonitor(cfg config.Config, opts Options, logger zerolog.Logger) *Monitor {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Scene == nil {
		opts.Scene = func() string { return "" }
	}
	m := &Monitor{
		cfg:        cfg,
		clock:      opts.Clock,
		threads:    opts.Threads,
		sampler:    opts.Sampler,
		dumper:     opts.Dumper,
		cpu:        opts.CPU,
		observer:   opts.Observer,
		run:        opts.Run,
		logger:     logger.With().Str("component", "stall_monitor").Logger(),
		mainThread: opts.MainThread,
		sceneFn:    opts.Scene,
		threshold:  cfg.RunloopTimeout,
		foreground: true,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	m.ring = ring.New(m.ringCapacity(cfg.RunloopTimeout))
	m.lastCheck = opts.Clock.NowMonotonic()
	return m
}

func (m *Monitor) ringCapacity(threshold time.Duration) int {
	c := int(threshold / m.cfg.SampleInterval)
	if c < 1 {
		c = 1
	}
	return c
}

// Start launches the sampler loop on its own goroutine, locked to one OS
// thread.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		runtime.LockOSThread()
		defer close(m.doneCh)
		for {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.Step()
			time.Sleep(m.cfg.SampleInterval)
		}
	}()
	m.logger.Info().
		Dur("threshold", m.Threshold()).
		Dur("sample_interval", m.cfg.SampleInterval).
		Msg("Stall monitor started")
}

// Stop terminates the sampler loop and waits for it. Stopping a monitor
// that never started is a no-op.
func (m *Monitor) Stop() {
	if !m.started.Load() || !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info().Msg("Stall monitor stopped")
}

// ActivityBegin marks the start of one event-loop activity. Called by the
// instrumented loop.
func (m *Monitor) ActivityBegin() {
	now := m.clock.NowMonotonic()
	m.edgeMu.Lock()
	m.activityStart = now
	m.hangSignaled = false
	m.edgeMu.Unlock()
}

// ActivityEnd marks the end of the current activity.
func (m *Monitor) ActivityEnd() {
	now := m.clock.NowMonotonic()
	m.edgeMu.Lock()
	m.activityEnd = now
	m.launchCompleted = true
	m.hangSignaled = false
	m.edgeMu.Unlock()
}

// SetForeground tracks the app lifecycle; background stalls classify
// differently and sensitive hang detection is foreground-only.
func (m *Monitor) SetForeground(fg bool) {
	m.edgeMu.Lock()
	m.foreground = fg
	m.edgeMu.Unlock()
}

// OnSuspend records an imminent process suspension.
func (m *Monitor) OnSuspend() {
	m.edgeMu.Lock()
	m.suspended = true
	m.edgeMu.Unlock()
}

// OnResume compensates for the suspension: an in-flight activity that
// straddled the suspend interval is rebased so wall-clock sleep does not
// count as stall time.
func (m *Monitor) OnResume() {
	now := m.clock.NowMonotonic()
	m.edgeMu.Lock()
	if m.suspended && m.activityStart > m.activityEnd {
		m.activityStart = now
	}
	m.suspended = false
	m.edgeMu.Unlock()
}

// Threshold returns the current stall threshold.
func (m *Monitor) Threshold() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// SetThreshold adjusts the stall threshold. The value must be a multiple
// of 100 ms within [400 ms, 2 s]; the ring is resized to the new window.
func (m *Monitor) SetThreshold(t time.Duration) error {
	if !m.cfg.DynamicThreshold {
		return ErrDynamicDisabled
	}
	if !config.ValidThreshold(t) {
		return config.ErrThresholdDomain
	}
	m.mu.Lock()
	if t != m.threshold {
		m.threshold = t
		m.ring = ring.New(m.ringCapacity(t))
	}
	m.mu.Unlock()
	m.observer.OnThresholdChanged(t)
	m.logger.Info().Dur("threshold", t).Msg("Runloop threshold changed")
	return nil
}

// LowerThreshold drops to the configured low threshold.
func (m *Monitor) LowerThreshold() error {
	return m.SetThreshold(m.cfg.RunloopLowThreshold)
}

// RecoverThreshold restores the configured high threshold.
func (m *Monitor) RecoverThreshold() error {
	return m.SetThreshold(m.cfg.RunloopTimeout)
}

// Step runs one sampler iteration: push a main-thread sample into the
// ring, drive the CPU watcher on the check cadence, and test for a stall.
// The production loop calls it every sample interval.
func (m *Monitor) Step() {
	now := m.clock.NowMonotonic()

	// Dense samples across the stall for post-facto analysis.
	addrs := m.sampler.SampleThread(m.mainThread)
	if len(addrs) > 0 {
		m.currentRing().Append(ring.Sample{
			Addrs:      addrs,
			CPUPercent: m.lastCPU.ProcessCPU,
			Background: !m.isForeground(),
		})
	}

	m.sensitiveHangCheck(now)

	m.sinceCheck = now - m.lastCheck
	if m.sinceCheck < m.checkPeriod() {
		return
	}
	period := m.sinceCheck
	m.lastCheck = now
	m.sinceCheck = 0
	m.check(now, period)
}

// checkPeriod is half the current threshold.
func (m *Monitor) checkPeriod() time.Duration { return m.Threshold() / 2 }

func (m *Monitor) currentRing() *ring.Ring {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring
}

func (m *Monitor) isForeground() bool {
	m.edgeMu.Lock()
	defer m.edgeMu.Unlock()
	return m.foreground
}

func (m *Monitor) sensitiveHangCheck(now time.Duration) {
	if !m.cfg.SensitiveHang {
		return
	}
	m.edgeMu.Lock()
	inFlight := m.activityStart > m.activityEnd
	since := now - m.activityStart
	fire := m.foreground && inFlight && !m.hangSignaled && since >= sensitiveHangThreshold
	if fire {
		m.hangSignaled = true
	}
	m.edgeMu.Unlock()
	if fire {
		m.observer.OnRunloopHang(since)
	}
}

func (m *Monitor) check(now, period time.Duration) {
	if m.cpu != nil {
		res := m.cpu.Tick(period, !m.isForeground())
		m.lastCPU = res
		if res.Fired {
			m.emitSustainedCPU(res)
		}
	}

	m.edgeMu.Lock()
	start := m.activityStart
	end := m.activityEnd
	launched := m.launchCompleted
	fg := m.foreground
	suspended := m.suspended
	m.edgeMu.Unlock()

	inFlight := start > end
	if !inFlight || suspended {
		return
	}
	since := now - start
	if since < m.Threshold() {
		return
	}
	if start == m.stalledSince {
		return // this stall already produced a dump
	}
	m.stalledSince = start

	kind := m.classify(launched, fg)
	m.observer.OnStallDetected(kind, since)
	m.emitStall(kind, since)
}

// classify picks the dump kind for a detected stall.
func (m *Monitor) classify(launched, foreground bool) dump.Kind {
	kind := dump.KindMainThreadBlock
	switch {
	case !launched:
		kind = dump.KindLaunchBlock
	case !foreground:
		kind = dump.KindBackgroundMainThreadBlock
	}

	if snap, err := m.threads.Enumerate(); err == nil && len(snap) > tooManyThreads {
		return dump.KindBlockThreadTooMuch
	}
	if kind == dump.KindMainThreadBlock && m.cpu != nil && m.cpu.Handler().Tracking() {
		return dump.KindCPUBlock
	}
	return kind
}

// emitStall captures the main thread now, the sample at the moment the
// stall was decided, and packages it with the ring's point stack and
// profile.
func (m *Monitor) emitStall(kind dump.Kind, since time.Duration) {
	r := m.currentRing()
	if addrs := m.sampler.SampleThread(m.mainThread); len(addrs) > 0 {
		r.Append(ring.Sample{
			Addrs:      addrs,
			CPUPercent: m.lastCPU.ProcessCPU,
			Background: !m.isForeground(),
		})
	}

	ps, ok := r.SelectPointStack()
	if !ok {
		m.logger.Debug().Msg("No samples in ring, skipping stall dump")
		return
	}
	profile, err := r.Profile()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to render ring profile")
	}

	req := dump.Request{
		Kind:          kind,
		BlockDuration: since,
		Scene:         m.sceneFn(),
		PointStack:    &ps,
		Profile:       profile,
		CPUStacks:     m.cpuHotStacks(),
		ProcessCPUPct: m.lastCPU.ProcessCPU,
	}

	if m.run != nil {
		if err := m.run.SetStallMarker(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to set stall marker")
		}
	}
	go func() {
		if _, _, err := m.dumper.Produce(req); err != nil {
			m.logger.Warn().Err(err).Str("kind", kind.String()).Msg("Stall dump failed")
		}
		if m.run != nil {
			if err := m.run.ClearStallMarker(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to clear stall marker")
			}
		}
	}()
}

// cpuHotStacks drains nothing: it copies the current hot pool for context
// without disturbing the sustained-CPU window.
func (m *Monitor) cpuHotStacks() []cpuwatch.HotSample {
	if m.cpu == nil || !m.cfg.CaptureCPUHotStacks {
		return nil
	}
	frozen := m.cpu.Collector().Freeze()
	for _, s := range frozen {
		m.cpu.Collector().Deposit(s)
	}
	return frozen
}

// deviceCPU reads the device-wide single-core percentage, context only.
func (m *Monitor) deviceCPU() (float64, error) {
	return threads.DeviceCPUPercent()
}

// emitSustainedCPU builds the call tree from the frozen pool off-thread
// and emits the sustained-CPU artifact when it completes.
func (m *Monitor) emitSustainedCPU(res cpuwatch.TickResult) {
	scene := m.sceneFn()
	processCPU := res.ProcessCPU
	deviceCPU := 0.0
	if pct, err := m.deviceCPU(); err == nil {
		deviceCPU = pct
	}
	m.cpu.Collector().BuildTree(res.Frozen, nil, func(tree *ring.CallTree) {
		m.dumper.ProduceAsync(dump.Request{
			Kind:          dump.KindSustainedCPU,
			Scene:         scene,
			Tree:          tree,
			CPUStacks:     res.Frozen,
			ProcessCPUPct: processCPU,
			DeviceCPUPct:  deviceCPU,
		})
	})
}
