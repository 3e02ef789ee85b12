// Package threads answers "what threads exist right now and what are they
// costing" for the owning process. The process CPU figure, the sum of
// per-thread shares (which can exceed 100 on a multi-core device), is the
// metric the detectors react to; the device-wide single-core percentage is
// context only.
package threads

import (
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/hangwatch/hangwatch/internal/platform"
)

// Snapshot is one enumeration pass over the process.
type Snapshot struct {
	Threads    []platform.ThreadInfo
	ProcessCPU float64
}

// Count returns the number of threads present at capture time.
func (s Snapshot) Count() int { return len(s.Threads) }

// HotterThan returns the threads whose CPU share exceeds limit, hottest
// first.
func (s Snapshot) HotterThan(limit float64) []platform.ThreadInfo {
	var hot []platform.ThreadInfo
	for _, t := range s.Threads {
		if t.CPUPercent > limit {
			hot = append(hot, t)
		}
	}
	sort.Slice(hot, func(i, j int) bool { return hot[i].CPUPercent > hot[j].CPUPercent })
	return hot
}

// Capture enumerates the process's threads and computes the process CPU
// sum. Idle-flagged threads are clamped to 0 before summing.
func Capture(api platform.Threads) (Snapshot, error) {
	infos, err := api.Enumerate()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to enumerate threads: %w", err)
	}
	var total float64
	for i := range infos {
		if infos[i].Idle {
			infos[i].CPUPercent = 0
			continue
		}
		total += infos[i].CPUPercent
	}
	return Snapshot{Threads: infos, ProcessCPU: total}, nil
}

// DeviceCPUPercent reports the device-wide single-core CPU percentage from
// the OS aggregate counter. Used only as report context, never as a
// trigger.
func DeviceCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get device CPU percent: %w", err)
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("no CPU percentages returned")
	}
	return percentages[0], nil
}
