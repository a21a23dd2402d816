package limits

import (
	"context"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceGuardConfig configures connection admission limits.
type ResourceGuardConfig struct {
	Enabled      bool
	CPUThreshold float64       // reject new connections above this CPU %
	MemoryLimit  int64         // reject when process RSS exceeds this, bytes; 0 disables
	Interval     time.Duration // sampling interval
}

// ResourceGuard samples process CPU and memory in the background and gates
// new connection admission on them. Readings are published through atomics
// so ShouldAccept never blocks the upgrade path.
type ResourceGuard struct {
	cfg    ResourceGuardConfig
	logger zerolog.Logger
	proc   *process.Process

	cpuPercent atomic.Uint64 // math.Float64bits
	rssBytes   atomic.Int64
}

// NewResourceGuard builds a guard; a disabled guard accepts everything.
func NewResourceGuard(cfg ResourceGuardConfig, logger zerolog.Logger) *ResourceGuard {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	g := &ResourceGuard{
		cfg:    cfg,
		logger: logger.With().Str("component", "resource_guard").Logger(),
	}
	if cfg.Enabled {
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			g.proc = p
		} else {
			g.logger.Warn().Err(err).Msg("Process handle unavailable, memory checks disabled")
		}
	}
	return g
}

// Start launches the sampling loop; it stops when ctx is cancelled.
func (g *ResourceGuard) Start(ctx context.Context) {
	if !g.cfg.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		// Prime the CPU counter so the first interval reading is meaningful.
		_, _ = cpu.Percent(0, false)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		g.cpuPercent.Store(math.Float64bits(percents[0]))
	}
	if g.proc != nil {
		if mem, err := g.proc.MemoryInfo(); err == nil {
			g.rssBytes.Store(int64(mem.RSS))
		}
	}
}

// ShouldAccept reports whether a new connection may be admitted and, when
// it may not, the rejection reason.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if !g.cfg.Enabled {
		return true, ""
	}
	if g.cfg.CPUThreshold > 0 {
		if pct := math.Float64frombits(g.cpuPercent.Load()); pct > g.cfg.CPUThreshold {
			return false, "cpu_threshold"
		}
	}
	if g.cfg.MemoryLimit > 0 && g.rssBytes.Load() > g.cfg.MemoryLimit {
		return false, "memory_limit"
	}
	return true, ""
}
