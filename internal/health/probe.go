package health

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a child.
type Usage struct {
	RSS        uint64
	VMS        uint64
	CPUPercent float64
	NumThreads int32
}

// Probe samples resource usage of a running child.
type Probe interface {
	Sample(ctx context.Context, pid int) (Usage, error)
}

// ProcProbe reads usage from the OS through gopsutil.
type ProcProbe struct{}

func (ProcProbe) Sample(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{RSS: mem.RSS, VMS: mem.VMS}
	// best effort, memory is what supervision acts on
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// OverLimit reports whether u breaches a memory ceiling in bytes. A
// non-positive limit disables the check.
func (u Usage) OverLimit(limit int64) bool {
	return limit > 0 && u.RSS > uint64(limit)
}
