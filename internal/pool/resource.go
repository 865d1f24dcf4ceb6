package pool

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSampler reports process resource consumption as fractions of
// machine capacity in [0, 1].
type ResourceSampler interface {
	Sample(ctx context.Context) (cpuFrac, memFrac float64, err error)
}

// processSampler reads host CPU utilization and this process's resident
// memory share.
type processSampler struct {
	proc *process.Process
}

// NewProcessSampler returns the default sampler: host CPU utilization plus
// this process's resident memory share. Shared with the health monitor so
// both report the same numbers.
func NewProcessSampler() (ResourceSampler, error) {
	return newProcessSampler()
}

func newProcessSampler() (*processSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("attaching resource probe to process %d: %w", os.Getpid(), err)
	}

	return &processSampler{proc: proc}, nil
}

// Sample reads one resource measurement. CPU is measured since the previous
// call, so the first sample of a run reads as zero.
func (s *processSampler) Sample(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sampling cpu: %w", err)
	}

	var cpuFrac float64
	if len(percents) > 0 {
		cpuFrac = percents[0] / 100
	}

	memPct, err := s.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sampling memory: %w", err)
	}

	return cpuFrac, float64(memPct) / 100, nil
}
