package dump

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hangwatch/hangwatch/internal/allocdb"
	"github.com/hangwatch/hangwatch/internal/cpuwatch"
	"github.com/hangwatch/hangwatch/internal/platform"
	"github.com/hangwatch/hangwatch/internal/ring"
	"github.com/hangwatch/hangwatch/internal/stack"
)

// Sink receives finished artifacts for upload. It is the transport
// boundary; the core never retries or queues.
type Sink interface {
	Emit(kind Kind, payload []byte, meta map[string]string) error
}

// Delegate is the caller-supplied capability set consulted during dump
// production. The core never calls back into an owning object graph, only
// into this interface.
type Delegate interface {
	CustomUserInfo() map[string]string
	OnDumpEmitted(kind Kind, path string)
}

// NopDelegate is the default no-op delegate.
type NopDelegate struct{}

func (NopDelegate) CustomUserInfo() map[string]string { return nil }
func (NopDelegate) OnDumpEmitted(Kind, string) {}

// Config parameterizes dump production.
type Config struct {
	MinPointStackDepth int
	AnnealingWindow    time.Duration
	DailyQuota         int
	SuspendAllOnDump   bool
}

// Request carries everything a detector captured for one artifact.
type Request struct {
	Kind          Kind
	BlockDuration time.Duration
	Scene         string

	PointStack *ring.PointStack
	Profile    json.RawMessage
	Tree       *ring.CallTree
	CPUStacks  []cpuwatch.HotSample
	LiveAllocs []allocdb.AllocRow

	ProcessCPUPct float64
	DeviceCPUPct  float64
}

// Dumper assembles artifacts, applies the shared filters, writes the file
// into the run directory, and notifies the sink.
type Dumper struct {
	cfg      Config
	run      *allocdb.RunDir
	sink     Sink
	delegate Delegate
	env      *stack.Environment
	clock    platform.Clock
	logger   zerolog.Logger
	filters  *filters
	thermal  atomic.Int32
	device   DeviceMetadata
}

// NewDumper creates a dumper bound to a run directory. env may be nil
// when thread suspension is unavailable; sink and delegate may be nil.
func NewDumper(cfg Config, run *allocdb.RunDir, sink Sink, delegate Delegate, env *stack.Environment, clock platform.Clock, logger zerolog.Logger) *Dumper {
	if delegate == nil {
		delegate = NopDelegate{}
	}
	l := logger.With().Str("component", "dumper").Logger()
	return &Dumper{
		cfg:      cfg,
		run:      run,
		sink:     sink,
		delegate: delegate,
		env:      env,
		clock:    clock,
		logger:   l,
		filters:  newFilters(clock, cfg.MinPointStackDepth, cfg.AnnealingWindow, cfg.DailyQuota),
		device:   collectDeviceMetadata(l),
	}
}

// SetThermalState records the latest platform thermal notification.
func (d *Dumper) SetThermalState(s ThermalState) { d.thermal.Store(int32(s)) }

type envelope struct {
	Kind            uint32            `json:"kind"`
	KindName        string            `json:"kind_name"`
	TimestampUS     int64             `json:"timestamp_us"`
	BlockDurationUS int64             `json:"block_duration_us,omitempty"`
	Scene           string            `json:"scene,omitempty"`
	Device          DeviceMetadata    `json:"device"`
	UserInfo        map[string]string `json:"user_info,omitempty"`

	PointStack   *pointStackJSON `json:"point_stack,omitempty"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	ProfilePprof string          `json:"profile_pprof_gz_b64,omitempty"`
	CPUStacks    []cpuStackJSON  `json:"cpu_stacks,omitempty"`
	LiveAllocs   *liveAllocsJSON `json:"live_allocs,omitempty"`
}

type pointStackJSON struct {
	Addrs       []uint64 `json:"addrs"`
	TopRepeats  int      `json:"top_repeats"`
	FrameCounts []int    `json:"frame_counts"`
}

type cpuStackJSON struct {
	Thread     uint64   `json:"thread"`
	CPUPercent float64  `json:"cpu_percent"`
	Background bool     `json:"background,omitempty"`
	Addrs      []uint64 `json:"addrs"`
}

type liveAllocsJSON struct {
	Count      int             `json:"count"`
	TotalBytes uint64          `json:"total_bytes"`
	Rows       []liveAllocJSON `json:"rows"`
}

type liveAllocJSON struct {
	Addr    uint64 `json:"addr"`
	Size    uint64 `json:"size"`
	StackID uint64 `json:"stack_id"`
}

// liveAllocRowCap bounds envelope size; the full table stays on disk.
const liveAllocRowCap = 10000

// Produce assembles and emits one artifact. A FilterReason other than
// FilterNone means the dump was deliberately suppressed, not failed.
func (d *Dumper) Produce(req Request) (string, FilterReason, error) {
	var fingerprint []uint64
	if req.PointStack != nil {
		fingerprint = req.PointStack.Sample.Addrs
	}
	if reason := d.filters.admit(fingerprint); reason != FilterNone {
		d.logger.Debug().
			Str("kind", req.Kind.String()).
			Str("filter", reason.String()).
			Msg("Dump suppressed")
		return "", reason, nil
	}

	var payload []byte
	var err error
	assemble := func() { payload, err = d.assemble(req) }
	if d.cfg.SuspendAllOnDump && d.env != nil {
		if serr := d.env.Suspended(assemble); serr != nil {
			// Already suspended or unsuspendable: assemble best-effort.
			assemble()
		}
	} else {
		assemble()
	}
	if err != nil {
		return "", FilterNone, err
	}

	name := fmt.Sprintf("dump-%s-%d.json", req.Kind, d.clock.NowWall().UnixMicro())
	path := d.run.File(name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", FilterNone, fmt.Errorf("failed to write dump artifact: %w", err)
	}

	if d.sink != nil {
		meta := map[string]string{
			"kind":  req.Kind.String(),
			"scene": req.Scene,
		}
		if err := d.sink.Emit(req.Kind, payload, meta); err != nil {
			d.logger.Warn().Err(err).Msg("Dump sink rejected artifact")
		}
	}
	d.delegate.OnDumpEmitted(req.Kind, path)
	d.logger.Info().
		Str("kind", req.Kind.String()).
		Str("path", path).
		Dur("block_duration", req.BlockDuration).
		Msg("Dump emitted")
	return path, FilterNone, nil
}

// ProduceAsync runs Produce on a short-lived dump goroutine.
func (d *Dumper) ProduceAsync(req Request) {
	go func() {
		if _, _, err := d.Produce(req); err != nil {
			d.logger.Warn().Err(err).Str("kind", req.Kind.String()).Msg("Dump production failed")
		}
	}()
}

func (d *Dumper) assemble(req Request) ([]byte, error) {
	device := d.device
	device.Thermal = ThermalState(d.thermal.Load())
	device.ProcessCPUPct = req.ProcessCPUPct
	device.DeviceCPUPct = req.DeviceCPUPct

	env := envelope{
		Kind:            uint32(req.Kind),
		KindName:        req.Kind.String(),
		TimestampUS:     d.clock.NowWall().UnixMicro(),
		BlockDurationUS: req.BlockDuration.Microseconds(),
		Scene:           req.Scene,
		Device:          device,
		UserInfo:        d.delegate.CustomUserInfo(),
		Profile:         req.Profile,
	}

	if req.PointStack != nil {
		env.PointStack = &pointStackJSON{
			Addrs:       req.PointStack.Sample.Addrs,
			TopRepeats:  req.PointStack.TopRepeats,
			FrameCounts: req.PointStack.FrameCounts,
		}
	}
	if req.Tree != nil {
		raw, err := treeToPprof(req.Tree)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to encode pprof profile")
		} else {
			env.ProfilePprof = base64.StdEncoding.EncodeToString(raw)
		}
		if env.Profile == nil {
			if js, err := json.Marshal(req.Tree); err == nil {
				env.Profile = js
			}
		}
	}
	for _, s := range req.CPUStacks {
		env.CPUStacks = append(env.CPUStacks, cpuStackJSON{
			Thread:     uint64(s.Thread),
			CPUPercent: s.CPUPercent,
			Background: s.Background,
			Addrs:      s.Addrs,
		})
	}
	if req.LiveAllocs != nil {
		la := &liveAllocsJSON{Count: len(req.LiveAllocs)}
		for i, row := range req.LiveAllocs {
			la.TotalBytes += row.Size
			if i < liveAllocRowCap {
				la.Rows = append(la.Rows, liveAllocJSON{Addr: row.Addr, Size: row.Size, StackID: row.StackID})
			}
		}
		env.LiveAllocs = la
	}

	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode dump envelope: %w", err)
	}
	return payload, nil
}
