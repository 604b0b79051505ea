// Package hoststats samples resource usage of the running coordinator for the
// status endpoint.
package hoststats

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is a point-in-time view of the process.
type Sample struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// Sampler reads stats for one process.
type Sampler struct {
	proc *process.Process
}

// NewSampler binds a sampler to the current process.
func NewSampler(ctx context.Context) (*Sampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("hoststats: open process: %w", err)
	}
	return &Sampler{proc: proc}, nil
}

// Sample collects the current values. Fields that cannot be read on this
// platform are left zero; the error reports the first failure.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	out := Sample{Goroutines: runtime.NumGoroutine()}
	if s == nil || s.proc == nil {
		return out, nil
	}
	out.PID = s.proc.Pid
	var firstErr error
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	} else if err != nil {
		firstErr = fmt.Errorf("hoststats: memory: %w", err)
	}
	if threads, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		out.Threads = threads
	} else if firstErr == nil {
		firstErr = fmt.Errorf("hoststats: threads: %w", err)
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	} else if firstErr == nil {
		firstErr = fmt.Errorf("hoststats: cpu: %w", err)
	}
	return out, firstErr
}
