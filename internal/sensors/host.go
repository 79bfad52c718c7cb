package sensors

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	psensors "github.com/shirou/gopsutil/v4/sensors"
)

// HostStats is the subset of host statistics the rover reports.
type HostStats interface {
	// CPUPercent returns utilisation since the previous call.
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	Temperatures(ctx context.Context) ([]psensors.TemperatureStat, error)
}

// Host reads host metrics. CPU temperature comes from the first sensor whose
// key names the CPU or SoC, falling back to the first sensor reported.
type Host struct {
	stats HostStats
}

// NewHost returns a Host backed by stats, or by gopsutil when stats is nil.
func NewHost(stats HostStats) *Host {
	if stats == nil {
		stats = gopsutilStats{}
	}
	return &Host{stats: stats}
}

func (h *Host) ReadSystem(ctx context.Context) (System, error) {
	if err := ctx.Err(); err != nil {
		return System{}, err
	}
	cpuPct, err := h.stats.CPUPercent(ctx)
	if err != nil {
		return System{}, err
	}
	memPct, err := h.stats.MemoryPercent(ctx)
	if err != nil {
		return System{}, err
	}
	return System{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		// Boards without a thermal sensor report 0.
		CPUTemp: h.cpuTemp(ctx),
	}, nil
}

func (h *Host) cpuTemp(ctx context.Context) float64 {
	// gopsutil returns partial results alongside a warnings error.
	temps, _ := h.stats.Temperatures(ctx)
	if len(temps) == 0 {
		return 0
	}
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "soc") {
			return t.Temperature
		}
	}
	return temps[0].Temperature
}

type gopsutilStats struct{}

// CPUPercent uses a zero interval, so gopsutil compares against its own
// previous sample instead of sleeping.
func (gopsutilStats) CPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

func (gopsutilStats) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (gopsutilStats) Temperatures(ctx context.Context) ([]psensors.TemperatureStat, error) {
	return psensors.TemperaturesWithContext(ctx)
}
