// Package sampler reports system memory utilization.
package sampler

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is a point-in-time view of memory and swap usage
type Sample struct {
	UsedPercent     float64 // (total - available) / total * 100
	TotalBytes      uint64
	AvailableBytes  uint64
	SwapTotalBytes  uint64
	SwapUsedBytes   uint64
	SwapUsedPercent float64
}

// Sampler is the interface for memory samplers
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Func adapts a function to the Sampler interface
type Func func(ctx context.Context) (Sample, error)

// Sample calls f(ctx)
func (f Func) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// Memory samples virtual memory statistics through gopsutil
type Memory struct {
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	swapMemory    func(ctx context.Context) (*mem.SwapMemoryStat, error)
}

// NewMemory creates a new memory sampler
func NewMemory() *Memory {
	return &Memory{
		virtualMemory: mem.VirtualMemoryWithContext,
		swapMemory:    mem.SwapMemoryWithContext,
	}
}

// Sample gathers the current memory utilization. A failure to read swap
// totals is not an error: swap may be entirely absent.
func (m *Memory) Sample(ctx context.Context) (Sample, error) {
	vm, err := m.virtualMemory(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get virtual memory stats: %w", err)
	}
	if vm.Total == 0 {
		return Sample{}, fmt.Errorf("virtual memory stats report zero total memory")
	}

	s := Sample{
		UsedPercent:    vm.UsedPercent,
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
	}

	if sw, err := m.swapMemory(ctx); err == nil {
		s.SwapTotalBytes = sw.Total
		s.SwapUsedBytes = sw.Used
		s.SwapUsedPercent = sw.UsedPercent
	}

	return s, nil
}
