// Package agent wires the detectors together: one run directory, one
// sampler loop hosting the stall and CPU detectors, the allocation
// pipeline, and the lifecycle notification fan-out.
package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hangwatch/hangwatch/internal/alloc"
	"github.com/hangwatch/hangwatch/internal/allocdb"
	"github.com/hangwatch/hangwatch/internal/config"
	"github.com/hangwatch/hangwatch/internal/cpuwatch"
	"github.com/hangwatch/hangwatch/internal/dump"
	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/stack"
	"github.com/hangwatch/hangwatch/internal/stall"
)

// AsyncOriginLookup resolves the stack captured when work now executing
// on a thread was originally enqueued, so the executing thread can extend
// its own stack with its submitter's. The side table itself lives outside
// the core.
type AsyncOriginLookup interface {
	AsyncOrigin(thread platform.ThreadID) ([]uint64, bool)
}

// NopAsyncOrigin is the default lookup: no async provenance.
type NopAsyncOrigin struct{}

func (NopAsyncOrigin) AsyncOrigin(platform.ThreadID) ([]uint64, bool) { return nil, false }

// Options carries the agent's collaborators; zero values take host
// defaults.
type Options struct {
	BaseDir string
	Config  config.Config

	Threads    platform.Threads
	Memory     stack.Memory
	Clock      platform.Clock
	Symbolizer stack.Symbolizer
	Sink       dump.Sink
	Delegate   dump.Delegate
	Observer   stall.Observer
	Scene      func() string
	AppUUID    string

	// MainThread is the observed event-loop thread; defaults to the
	// thread calling New.
	MainThread platform.ThreadID

	// DisableAllocRecording leaves the heap uninstrumented; the stall
	// and CPU detectors run regardless.
	DisableAllocRecording bool
}

// Agent owns the monitoring core for one recording run.
type Agent struct {
	cfg     config.Config
	logger  zerolog.Logger
	clock   platform.Clock
	baseDir string

	run      *allocdb.RunDir
	env      *stack.Environment
	dumper   *dump.Dumper
	cpu      *cpuwatch.Watcher
	monitor  *stall.Monitor
	recorder *alloc.Recorder
	images   *allocdb.ImageLog
	symbols  stack.Symbolizer
}

// New builds the agent: run directory, detectors, allocation pipeline. A
// failed allocation-pipeline init is logged and leaves Recorder nil; the
// detectors run regardless.
func New(opts Options, logger zerolog.Logger) (*Agent, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = platform.NewRealClock()
	}
	if opts.Threads == nil {
		ht, err := platform.NewHostThreads()
		if err != nil {
			return nil, fmt.Errorf("failed to bind host threads: %w", err)
		}
		opts.Threads = ht
	}
	if opts.Memory == nil {
		opts.Memory = platform.NewHostMemory()
	}
	if opts.MainThread == 0 {
		opts.MainThread = opts.Threads.Current()
	}

	logger = logger.With().Str("component", "agent").Logger()

	meta := allocdb.Meta{
		LaunchTimestampUS: opts.Clock.NowWall().UnixMicro(),
		ProcessUUID:       uuid.NewString(),
		AppUUID:           opts.AppUUID,
	}
	if info, err := host.Info(); err == nil {
		meta.OSVersion = info.PlatformVersion
		meta.DeviceModel = info.Hostname
	} else {
		logger.Warn().Err(err).Msg("Failed to read host info for run metadata")
	}
	run, err := allocdb.CreateRunDir(opts.BaseDir, meta)
	if err != nil {
		return nil, err
	}

	images, err := allocdb.OpenImageLog(run.File(allocdb.ImageInfoFile))
	if err != nil {
		return nil, err
	}

	var sym stack.Symbolizer
	if opts.Symbolizer != nil {
		sym = stack.NewCachingSymbolizer(opts.Symbolizer)
	}

	env := stack.NewEnvironment(opts.Threads, logger)
	sampler := stack.NewSampler(opts.Threads, opts.Memory, stack.MaxSampleDepth)

	dumper := dump.NewDumper(dump.Config{
		DailyQuota:       opts.Config.DailyDumpQuota,
		SuspendAllOnDump: opts.Config.SuspendAllOnDump,
	}, run, opts.Sink, opts.Delegate, env, opts.Clock, logger)

	watcher := cpuwatch.NewWatcher(cpuwatch.Config{
		SustainedLimitPct: opts.Config.CPUSustainedLimitPct,
		InstantLimitPct:   opts.Config.CPUInstantLimitPct,
		Window:            opts.Config.CPUSustainedWindow,
		Cooldown:          opts.Config.CPUSustainedCooldown,
		CaptureHotStacks:  opts.Config.CaptureCPUHotStacks || opts.Config.CaptureSustainedCPUStack,
	}, opts.Threads, sampler, logger)

	monitor := stall.NewMonitor(opts.Config, stall.Options{
		Clock:      opts.Clock,
		Threads:    opts.Threads,
		Sampler:    sampler,
		Dumper:     dumper,
		CPU:        watcher,
		Observer:   opts.Observer,
		Run:        run,
		MainThread: opts.MainThread,
		Scene:      opts.Scene,
	}, logger)

	a := &Agent{
		cfg:     opts.Config,
		logger:  logger,
		clock:   opts.Clock,
		baseDir: opts.BaseDir,
		run:     run,
		env:     env,
		dumper:  dumper,
		cpu:     watcher,
		monitor: monitor,
		images:  images,
		symbols: sym,
	}

	if !opts.DisableAllocRecording {
		rec, err := alloc.NewRecorder(opts.Config, opts.Threads, opts.Clock, run, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Allocation recording unavailable")
		} else {
			a.recorder = rec
		}
	}
	return a, nil
}

// Start reports any prior run that died mid-stall, then launches the
// sampler loop.
func (a *Agent) Start() {
	a.reportDeadRuns()
	a.monitor.Start()
}

// Stop shuts down the detectors and the allocation pipeline.
func (a *Agent) Stop() {
	a.monitor.Stop()
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if err := a.images.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close image log")
	}
}

// Run exposes the active run directory.
func (a *Agent) Run() *allocdb.RunDir { return a.run }

// StallMonitor exposes the event-loop hooks and threshold operations.
func (a *Agent) StallMonitor() *stall.Monitor { return a.monitor }

// Recorder exposes the allocation pipeline; nil when recording is
// disabled or failed to initialize.
func (a *Agent) Recorder() *alloc.Recorder { return a.recorder }

// CPUHandler exposes the sustained-CPU probes.
func (a *Agent) CPUHandler() *cpuwatch.Handler { return a.cpu.Handler() }

// Symbolizer exposes the caching symbolizer, nil when none was injected.
func (a *Agent) Symbolizer() stack.Symbolizer { return a.symbols }

// SuspendEnvironment exposes the suspend guard, e.g. for reserving a
// watchdog thread.
func (a *Agent) SuspendEnvironment() *stack.Environment { return a.env }

// AppForegrounded switches both detectors to foreground accounting.
func (a *Agent) AppForegrounded() {
	a.monitor.SetForeground(true)
	a.cpu.Handler().SetBackgrounded(false)
}

// AppBackgrounded switches both detectors to background accounting.
func (a *Agent) AppBackgrounded() {
	a.monitor.SetForeground(false)
	a.cpu.Handler().SetBackgrounded(true)
}

// AppSuspended records the imminent suspension for stall compensation.
func (a *Agent) AppSuspended() { a.monitor.OnSuspend() }

// AppResumed rebases any activity that straddled the suspension.
func (a *Agent) AppResumed() { a.monitor.OnResume() }

// ThermalStateChanged stamps future dumps with the new state.
func (a *Agent) ThermalStateChanged(s dump.ThermalState) { a.dumper.SetThermalState(s) }

// ImageLoaded appends to the image log consumed by the out-of-process
// symbolizer.
func (a *Agent) ImageLoaded(info allocdb.ImageInfo) {
	if err := a.images.Append(info); err != nil {
		a.logger.Warn().Err(err).Str("path", info.Path).Msg("Failed to record image load")
	}
}

// MemoryPressure reports the process's resident footprint against the
// configured memory-warning threshold. Callers poll it to decide when a
// memory termination is imminent, the point at which the live-allocation
// tables become the forensic record.
func (a *Agent) MemoryPressure() (footprintMB uint64, exceeded bool, err error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false, fmt.Errorf("failed to open own process: %w", err)
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read memory info: %w", err)
	}
	footprintMB = mi.RSS / (1024 * 1024)
	return footprintMB, footprintMB >= uint64(a.cfg.MemoryWarningMB), nil
}

// ImageUnloaded is bookkeeping only; the log is append-only.
func (a *Agent) ImageUnloaded(path string) {
	a.logger.Debug().Str("path", path).Msg("Image unloaded")
}

// reportDeadRuns looks for earlier runs that died with a stall dump in
// flight and reports each once as a block-and-be-killed artifact carrying
// the dead run's surviving allocations.
func (a *Agent) reportDeadRuns() {
	runs, err := allocdb.ListRuns(a.baseDir)
	if err != nil {
		return
	}
	current, _ := filepath.Abs(a.run.Path)
	for _, r := range runs {
		path, _ := filepath.Abs(r.Path)
		if path == current || !r.HasStallMarker() {
			continue
		}
		a.logger.Info().Str("run", r.Path).Msg("Previous run died mid-stall")

		var rows []allocdb.AllocRow
		if at, err := allocdb.OpenAllocTable(r.File(allocdb.AllocTableFile)); err == nil {
			at.Range(func(row allocdb.AllocRow) bool {
				rows = append(rows, row)
				return true
			})
			at.Close()
		}
		a.dumper.ProduceAsync(dump.Request{
			Kind:       dump.KindBlockAndBeKilled,
			LiveAllocs: rows,
		})
		if err := r.ClearStallMarker(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to clear dead run's stall marker")
		}
	}
}
