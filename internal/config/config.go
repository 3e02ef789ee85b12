// Package config defines the agent configuration surface and its
// validation rules.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Runloop threshold domain: any multiple of 100 ms within [400 ms, 2 s].
const (
	MinRunloopThreshold  = 400 * time.Millisecond
	MaxRunloopThreshold  = 2 * time.Second
	RunloopThresholdStep = 100 * time.Millisecond
)

// ErrThresholdDomain is returned for a runloop threshold outside the
// accepted domain.
var ErrThresholdDomain = errors.New("config: runloop threshold must be a multiple of 100ms in [400ms, 2s]")

// StackCaptureMode selects which allocations record call stacks.
type StackCaptureMode int

const (
	// StackCaptureNone records no stacks.
	StackCaptureNone StackCaptureMode = 0
	// StackCaptureAll records a stack for every allocation.
	StackCaptureAll StackCaptureMode = 1
	// StackCaptureObjects records stacks for object allocations only.
	StackCaptureObjects StackCaptureMode = 2
)

// Config is the complete configuration surface.
type Config struct {
	// Stall detection.
	RunloopTimeout      time.Duration `yaml:"runloop_timeout" env:"HANGWATCH_RUNLOOP_TIMEOUT"`
	RunloopLowThreshold time.Duration `yaml:"runloop_low_threshold" env:"HANGWATCH_RUNLOOP_LOW_THRESHOLD"`
	DynamicThreshold    bool          `yaml:"dynamic_threshold_enabled" env:"HANGWATCH_DYNAMIC_THRESHOLD"`
	SampleInterval      time.Duration `yaml:"sample_interval" env:"HANGWATCH_SAMPLE_INTERVAL"`
	SensitiveHang       bool          `yaml:"sensitive_runloop_hang_detection" env:"HANGWATCH_SENSITIVE_HANG"`

	// CPU detection.
	CPUInstantLimitPct       float64       `yaml:"cpu_instant_limit_pct" env:"HANGWATCH_CPU_INSTANT_LIMIT_PCT"`
	CPUSustainedLimitPct     float64       `yaml:"cpu_sustained_limit_pct" env:"HANGWATCH_CPU_SUSTAINED_LIMIT_PCT"`
	CPUSustainedWindow       time.Duration `yaml:"cpu_sustained_window" env:"HANGWATCH_CPU_SUSTAINED_WINDOW"`
	CPUSustainedCooldown     time.Duration `yaml:"cpu_sustained_cooldown" env:"HANGWATCH_CPU_SUSTAINED_COOLDOWN"`
	CaptureCPUHotStacks      bool          `yaml:"capture_cpu_hot_stacks" env:"HANGWATCH_CAPTURE_CPU_HOT_STACKS"`
	CaptureSustainedCPUStack bool          `yaml:"capture_sustained_cpu_stacks" env:"HANGWATCH_CAPTURE_SUSTAINED_CPU_STACKS"`

	// Dumps.
	DailyDumpQuota   int  `yaml:"daily_dump_quota" env:"HANGWATCH_DAILY_DUMP_QUOTA"`
	SuspendAllOnDump bool `yaml:"suspend_all_threads_on_dump" env:"HANGWATCH_SUSPEND_ALL_ON_DUMP"`
	MemoryWarningMB  int  `yaml:"memory_warning_threshold_mb" env:"HANGWATCH_MEMORY_WARNING_MB"`

	// Allocation tracking.
	CaptureCallStacksMode StackCaptureMode `yaml:"capture_call_stacks_mode" env:"HANGWATCH_CAPTURE_CALL_STACKS_MODE"`
	SkipMinAllocSize      int              `yaml:"skip_min_alloc_size_bytes" env:"HANGWATCH_SKIP_MIN_ALLOC_SIZE"`
	SkipMaxStackDepth     int              `yaml:"skip_max_stack_depth" env:"HANGWATCH_SKIP_MAX_STACK_DEPTH"`
}

// Default returns the configuration with every stock default applied.
func Default() Config {
	return Config{
		RunloopTimeout:      2 * time.Second,
		RunloopLowThreshold: 600 * time.Millisecond,
		DynamicThreshold:    true,
		SampleInterval:      50 * time.Millisecond,
		SensitiveHang:       false,

		CPUInstantLimitPct:       80,
		CPUSustainedLimitPct:     80,
		CPUSustainedWindow:       60 * time.Second,
		CPUSustainedCooldown:     60 * time.Second,
		CaptureCPUHotStacks:      false,
		CaptureSustainedCPUStack: false,

		DailyDumpQuota:   100,
		SuspendAllOnDump: false,
		MemoryWarningMB:  1024,

		CaptureCallStacksMode: StackCaptureAll,
		SkipMinAllocSize:      0,
		SkipMaxStackDepth:     0,
	}
}

// ValidThreshold reports whether t is inside the runloop threshold domain.
func ValidThreshold(t time.Duration) bool {
	return t >= MinRunloopThreshold && t <= MaxRunloopThreshold && t%RunloopThresholdStep == 0
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if !ValidThreshold(c.RunloopTimeout) {
		return fmt.Errorf("runloop_timeout %v: %w", c.RunloopTimeout, ErrThresholdDomain)
	}
	if !ValidThreshold(c.RunloopLowThreshold) {
		return fmt.Errorf("runloop_low_threshold %v: %w", c.RunloopLowThreshold, ErrThresholdDomain)
	}
	if c.RunloopLowThreshold > c.RunloopTimeout {
		return fmt.Errorf("runloop_low_threshold %v exceeds runloop_timeout %v", c.RunloopLowThreshold, c.RunloopTimeout)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be positive, got %v", c.SampleInterval)
	}
	if c.CPUSustainedLimitPct <= 0 {
		return fmt.Errorf("cpu_sustained_limit_pct must be positive, got %v", c.CPUSustainedLimitPct)
	}
	if c.CPUSustainedWindow <= 0 || c.CPUSustainedCooldown <= 0 {
		return fmt.Errorf("cpu sustained window and cooldown must be positive")
	}
	if c.DailyDumpQuota < 0 {
		return fmt.Errorf("daily_dump_quota must be non-negative, got %d", c.DailyDumpQuota)
	}
	if c.SkipMinAllocSize < 0 || c.SkipMaxStackDepth < 0 {
		return fmt.Errorf("allocation skip filters must be non-negative")
	}
	switch c.CaptureCallStacksMode {
	case StackCaptureNone, StackCaptureAll, StackCaptureObjects:
	default:
		return fmt.Errorf("capture_call_stacks_mode %d out of range", c.CaptureCallStacksMode)
	}
	return nil
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
