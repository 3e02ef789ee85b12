// Package cpuwatch detects sustained high CPU usage. A three-state
// averaging machine filters transient spikes: tracking starts when process
// CPU crosses the limit, aborts early when the running average falls under
// half the limit, fires when the full-window average stays above it, and a
// cooldown suppresses repeat firings.
package cpuwatch

import (
	"sync"
	"time"
)

// Defaults for the averaging machine.
const (
	DefaultCPULimit = 80.0
	DefaultWindow   = 60 * time.Second
	DefaultCooldown = 60 * time.Second

	// backgroundFloorPct is the sustained average under which background
	// CPU is considered suspiciously low: the OS is throttling the
	// process rather than the app being quiescent.
	backgroundFloorPct = 6.0

	// maxTickPeriod discards ticks whose period is implausible: the
	// process was paused or the sampler thread misbehaved.
	maxTickPeriod = 5 * time.Second
)

// Handler is the averaging state machine. It is driven by the sampler
// thread with one Cultivate call per tick and is safe for concurrent probes
// from other threads.
type Handler struct {
	mu       sync.Mutex
	limit    float64
	window   time.Duration
	cooldown time.Duration

	tracking     bool
	cooldownLeft time.Duration

	totalTrackingTime time.Duration
	totalCPUCost      float64 // Σ(tick CPU % × tick period), in percent-seconds

	backgrounded bool
	bgTime       time.Duration
	bgCost       float64
}

// NewHandler creates a handler; zero parameters take the defaults.
func NewHandler(limit float64, window, cooldown time.Duration) *Handler {
	if limit <= 0 {
		limit = DefaultCPULimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Handler{limit: limit, window: window, cooldown: cooldown}
}

// Cultivate feeds one tick of process CPU into the machine and reports
// whether a sustained-CPU condition fired on this tick.
func (h *Handler) Cultivate(cpuPercent float64, period time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if period < 0 || period > maxTickPeriod {
		return false
	}

	if h.backgrounded {
		h.bgTime += period
		h.bgCost += cpuPercent * period.Seconds()
	}

	if h.cooldownLeft > 0 {
		h.cooldownLeft -= period
		return false
	}

	if !h.tracking {
		if cpuPercent <= h.limit {
			return false
		}
		h.tracking = true
		h.totalTrackingTime = 0
		h.totalCPUCost = 0
	}

	h.totalTrackingTime += period
	h.totalCPUCost += cpuPercent * period.Seconds()

	trackedSec := h.totalTrackingTime.Seconds()

	// Half-zone early abort: the running average has already dropped
	// below half the limit, so the spike was transient.
	if h.totalCPUCost < h.limit*trackedSec/2 {
		h.tracking = false
		return false
	}

	if h.totalTrackingTime >= h.window && h.totalCPUCost > h.limit*trackedSec {
		h.tracking = false
		h.cooldownLeft = h.cooldown
		return true
	}
	return false
}

// Tracking reports whether the machine is currently accumulating a window.
// A stall that overlaps an active tracking window is classified as a CPU
// block rather than a plain main-thread block.
func (h *Handler) Tracking() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracking
}

// InCooldown reports whether firings are currently suppressed.
func (h *Handler) InCooldown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cooldownLeft > 0
}

// SetBackgrounded switches background accounting on or off; entering the
// background resets the floor accumulators.
func (h *Handler) SetBackgrounded(bg bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bg && !h.backgrounded {
		h.bgTime = 0
		h.bgCost = 0
	}
	h.backgrounded = bg
}

// BackgroundCPUTooSmall reports whether the background average over at
// least a full window has stayed under the floor, the signature of an
// OS-throttled rather than quiescent process.
func (h *Handler) BackgroundCPUTooSmall() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.backgrounded || h.bgTime < h.window {
		return false
	}
	return h.bgCost < backgroundFloorPct*h.bgTime.Seconds()
}
