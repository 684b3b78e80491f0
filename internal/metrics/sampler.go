package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/sidekick/internal/supervisor"
)

// Sampler reads the resource usage of a running worker.
type Sampler interface {
	Sample(ctx context.Context, pid int) (supervisor.ResourceUsage, error)
}

// ProcSampler samples CPU and memory through gopsutil. CPU is measured
// between consecutive calls for the same pid, so the first sample for a new
// pid reports 0%.
type ProcSampler struct {
	mu   sync.Mutex
	proc *process.Process
	now  func() time.Time
}

// NewProcSampler returns a sampler with an empty handle cache.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{now: time.Now}
}

func (s *ProcSampler) handle(pid int) (*process.Process, error) {
	if s.proc != nil && s.proc.Pid == int32(pid) {
		return s.proc, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	s.proc = p
	return p, nil
}

func (s *ProcSampler) Sample(ctx context.Context, pid int) (supervisor.ResourceUsage, error) {
	if pid <= 0 {
		return supervisor.ResourceUsage{}, fmt.Errorf("invalid pid %d", pid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, err := s.handle(pid)
	if err != nil {
		return supervisor.ResourceUsage{}, err
	}
	cpu, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		s.proc = nil
		return supervisor.ResourceUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	now := s.now()
	var uptime uint64
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		if d := now.Sub(time.UnixMilli(created)); d > 0 {
			uptime = uint64(d / time.Second)
		}
	}
	return supervisor.ResourceUsage{
		CPUPercent:    cpu,
		MemoryMB:      float64(mem.RSS) / 1024 / 1024,
		UptimeSeconds: uptime,
		Timestamp:     now,
	}, nil
}
