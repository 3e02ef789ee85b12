package dump

import (
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// ThermalState mirrors the platform thermal notification levels.
type ThermalState int

const (
	ThermalNominal ThermalState = iota
	ThermalFair
	ThermalSerious
	ThermalCritical
)

// DeviceMetadata is the context block attached to every artifact.
type DeviceMetadata struct {
	OSVersion     string       `json:"os_version"`
	Platform      string       `json:"platform"`
	Arch          string       `json:"arch"`
	PhysicalMemMB uint64       `json:"physical_mem_mb"`
	Thermal       ThermalState `json:"thermal_state"`
	ProcessCPUPct float64      `json:"process_cpu_pct"`
	DeviceCPUPct  float64      `json:"device_cpu_pct"`
}

// collectDeviceMetadata fills the static device fields; failures degrade
// to zero values rather than blocking the dump.
func collectDeviceMetadata(logger zerolog.Logger) DeviceMetadata {
	meta := DeviceMetadata{Arch: runtime.GOARCH}
	if info, err := host.Info(); err == nil {
		meta.OSVersion = info.PlatformVersion
		meta.Platform = info.Platform
	} else {
		logger.Warn().Err(err).Msg("Failed to read host info")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		meta.PhysicalMemMB = vm.Total / (1024 * 1024)
	} else {
		logger.Warn().Err(err).Msg("Failed to read memory info")
	}
	return meta
}
