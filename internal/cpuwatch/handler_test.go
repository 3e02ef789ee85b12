package cpuwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const tick = time.Second

// drive feeds n ticks of the same CPU reading and returns whether any fired.
func drive(h *Handler, cpu float64, n int) bool {
	fired := false
	for i := 0; i < n; i++ {
		if h.Cultivate(cpu, tick) {
			fired = true
		}
	}
	return fired
}

func TestSustainedHighCPUFires(t *testing.T) {
	h := NewHandler(80, DefaultWindow, DefaultCooldown)
	assert.False(t, drive(h, 85, 59), "nothing fires before the window fills")
	assert.True(t, h.Cultivate(85, tick), "fires once the 60s window average exceeds the limit")
}

func TestTransientSpikeDoesNotFire(t *testing.T) {
	h := NewHandler(80, DefaultWindow, DefaultCooldown)
	assert.False(t, drive(h, 95, 5), "spike starts tracking")
	assert.True(t, h.Tracking())
	// CPU collapses; the running average falls under half the limit and
	// tracking aborts.
	assert.False(t, drive(h, 5, 10))
	assert.False(t, h.Tracking())
}

func TestHalfZoneBoundary(t *testing.T) {
	t.Run("39 terminates", func(t *testing.T) {
		h := NewHandler(80, DefaultWindow, DefaultCooldown)
		h.forceTracking()
		assert.False(t, drive(h, 39, 120))
		assert.False(t, h.Tracking(), "average below half the limit aborts by half-zone")
	})
	t.Run("41 keeps tracking but never fires", func(t *testing.T) {
		h := NewHandler(80, DefaultWindow, DefaultCooldown)
		h.forceTracking()
		assert.False(t, drive(h, 41, 120))
		assert.True(t, h.Tracking(), "above half the limit survives, below the limit never fires")
	})
	t.Run("40 sits exactly on the boundary and survives", func(t *testing.T) {
		h := NewHandler(80, DefaultWindow, DefaultCooldown)
		h.forceTracking()
		assert.False(t, drive(h, 40, 120))
		assert.True(t, h.Tracking())
	})
}

func TestCooldownExclusivity(t *testing.T) {
	h := NewHandler(80, DefaultWindow, DefaultCooldown)
	assert.True(t, drive(h, 90, 60))
	assert.True(t, h.InCooldown())

	// A full window of high CPU during cooldown must not fire.
	assert.False(t, drive(h, 95, 59), "no second firing within cooldown")
	assert.True(t, h.InCooldown())

	// Cooldown expires after 60s of wall time regardless of CPU; the next
	// high window fires again.
	assert.False(t, h.Cultivate(95, tick))
	assert.False(t, h.InCooldown())
	assert.True(t, drive(h, 95, 60))
}

func TestTickPeriodSanity(t *testing.T) {
	h := NewHandler(80, DefaultWindow, DefaultCooldown)
	h.forceTracking()
	assert.False(t, h.Cultivate(100, 6*time.Second), "periods above 5s are discarded")
	assert.False(t, h.Cultivate(100, -time.Second), "negative periods are discarded")
	assert.Equal(t, time.Duration(0), h.totalTrackingTime)
}

func TestBackgroundCPUFloor(t *testing.T) {
	h := NewHandler(80, DefaultWindow, DefaultCooldown)
	assert.False(t, h.BackgroundCPUTooSmall(), "foreground never reports the floor")

	h.SetBackgrounded(true)
	drive(h, 2, 30)
	assert.False(t, h.BackgroundCPUTooSmall(), "needs a full window of background time")
	drive(h, 2, 30)
	assert.True(t, h.BackgroundCPUTooSmall(), "sustained background average under 6%")

	h.SetBackgrounded(false)
	assert.False(t, h.BackgroundCPUTooSmall())

	// Re-entering the background resets the accumulators.
	h.SetBackgrounded(true)
	drive(h, 50, 60)
	assert.False(t, h.BackgroundCPUTooSmall())
}

// forceTracking puts the machine into the tracking state with empty
// accumulators, as if the limit was just crossed.
func (h *Handler) forceTracking() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracking = true
	h.totalTrackingTime = 0
	h.totalCPUCost = 0
}
