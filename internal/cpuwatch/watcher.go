package cpuwatch

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/stack"
	"github.com/hangwatch/hangwatch/internal/threads"
)

// Config parameterizes the sustained-CPU watcher.
type Config struct {
	SustainedLimitPct float64
	InstantLimitPct   float64
	Window            time.Duration
	Cooldown          time.Duration
	CaptureHotStacks  bool
}

// DefaultConfig returns the watcher defaults.
func DefaultConfig() Config {
	return Config{
		SustainedLimitPct: DefaultCPULimit,
		InstantLimitPct:   DefaultCPULimit,
		Window:            DefaultWindow,
		Cooldown:          DefaultCooldown,
	}
}

// TickResult is what one watcher tick observed.
type TickResult struct {
	ProcessCPU float64
	// Fired is set on the tick the sustained-CPU condition triggered;
	// Frozen then carries the hot-stack pool captured over the window.
	Fired  bool
	Frozen []HotSample
}

// Watcher drives the sustained-CPU detection once per sampler tick: sample
// every thread's CPU share, capture stacks of threads above the instant
// threshold, and feed the process total into the averaging machine.
type Watcher struct {
	cfg       Config
	handler   *Handler
	collector *Collector
	api       platform.Threads
	sampler   *stack.Sampler
	logger    zerolog.Logger
}

// NewWatcher wires a watcher over the given thread API and stack sampler.
func NewWatcher(cfg Config, api platform.Threads, sampler *stack.Sampler, logger zerolog.Logger) *Watcher {
	if cfg.SustainedLimitPct <= 0 {
		cfg.SustainedLimitPct = DefaultCPULimit
	}
	if cfg.InstantLimitPct <= 0 {
		cfg.InstantLimitPct = DefaultCPULimit
	}
	return &Watcher{
		cfg:       cfg,
		handler:   NewHandler(cfg.SustainedLimitPct, cfg.Window, cfg.Cooldown),
		collector: NewCollector(logger),
		api:       api,
		sampler:   sampler,
		logger:    logger.With().Str("component", "cpu_watcher").Logger(),
	}
}

// Handler exposes the averaging machine for stall classification probes.
func (w *Watcher) Handler() *Handler { return w.handler }

// Collector exposes the hot-stack pool for dump assembly.
func (w *Watcher) Collector() *Collector { return w.collector }

// Tick performs one detection round. period is the time since the previous
// tick; background reflects the app's lifecycle state.
func (w *Watcher) Tick(period time.Duration, background bool) TickResult {
	snap, err := threads.Capture(w.api)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to capture thread snapshot")
		return TickResult{}
	}

	if w.cfg.CaptureHotStacks {
		self := w.api.Current()
		for _, hot := range snap.HotterThan(w.cfg.InstantLimitPct) {
			if hot.ID == self {
				continue
			}
			addrs := w.sampler.SampleThread(hot.ID)
			w.collector.Deposit(HotSample{
				Thread:     hot.ID,
				Addrs:      addrs,
				CPUPercent: hot.CPUPercent,
				Background: background,
			})
		}
	}

	res := TickResult{ProcessCPU: snap.ProcessCPU}
	if w.handler.Cultivate(snap.ProcessCPU, period) {
		res.Fired = true
		res.Frozen = w.collector.Freeze()
		w.logger.Info().
			Float64("process_cpu", snap.ProcessCPU).
			Int("pooled_stacks", len(res.Frozen)).
			Msg("Sustained high CPU detected")
	}
	return res
}
