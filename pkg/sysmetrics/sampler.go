// Package sysmetrics samples resource usage of the current process for
// periodic metrics reports.
package sysmetrics

import (
	"math"
	"os"
	"sync"

	"github.com/blip/broker/pkg/protocol"
	"github.com/blip/broker/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reports memory in megabytes and CPU time consumed since the
// previous sample
type Sampler struct {
	mu   sync.Mutex
	proc *process.Process
	prev *cpu.TimesStat
}

// New creates a sampler for the current process
func New() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to open process for sampling", err)
	}
	return &Sampler{proc: proc}, nil
}

// Sample returns a metrics snapshot with "memory" (resident MB, two
// decimals) and "cpu" ({user, system} seconds since the last sample)
func (s *Sampler) Sample() (protocol.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to read memory usage", err)
	}
	times, err := s.proc.Times()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to read cpu usage", err)
	}

	user, system := times.User, times.System
	if s.prev != nil {
		user -= s.prev.User
		system -= s.prev.System
	}
	s.prev = times

	return protocol.Metrics{
		"memory": round2(float64(mem.RSS) / 1024 / 1024),
		"cpu": map[string]any{
			"user":   round2(user),
			"system": round2(system),
		},
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
