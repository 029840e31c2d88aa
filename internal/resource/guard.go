// Package resource adapts the teacher's ResourceGuard
// (internal/shared/limits/resource_guard.go) from a connection-admission
// brake into a write-admission brake: it samples disk and memory
// pressure via gopsutil and tells the WAL when to start returning
// Unavailable instead of accepting more appends.
package resource

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Pressure is a point-in-time resource reading.
type Pressure struct {
	DiskUsedPercent float64
	MemUsedPercent  float64
}

// Guard samples system resource pressure on an interval and answers
// ShouldAcceptWrite for callers that are about to append to the WAL (the
// WAL is its only caller).
type Guard struct {
	dataDir           string
	diskRejectPercent float64
	memRejectPercent  float64
	logger            zerolog.Logger

	current atomic.Pointer[Pressure]
}

// New builds a Guard watching dataDir's filesystem and system-wide memory.
func New(dataDir string, diskRejectPercent, memRejectPercent float64, logger zerolog.Logger) *Guard {
	g := &Guard{
		dataDir:           dataDir,
		diskRejectPercent: diskRejectPercent,
		memRejectPercent:  memRejectPercent,
		logger:            logger,
	}
	g.current.Store(&Pressure{})
	return g
}

// Run samples resource pressure every interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("resource guard panic recovered")
		}
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Guard) sample() {
	p := &Pressure{}
	if usage, err := disk.Usage(g.dataDir); err == nil {
		p.DiskUsedPercent = usage.UsedPercent
	} else {
		g.logger.Debug().Err(err).Msg("disk usage sample failed")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		p.MemUsedPercent = vm.UsedPercent
	} else {
		g.logger.Debug().Err(err).Msg("memory usage sample failed")
	}
	g.current.Store(p)
}

// Current returns the most recent pressure reading.
func (g *Guard) Current() Pressure {
	return *g.current.Load()
}

// ShouldAcceptWrite returns nil if the system has headroom for another
// WAL append, or a descriptive error (wrap with errs.ErrUnavailable by
// the caller) when disk or memory pressure has crossed the configured
// reject threshold.
func (g *Guard) ShouldAcceptWrite() error {
	p := g.Current()
	if p.DiskUsedPercent > g.diskRejectPercent {
		return fmt.Errorf("disk %.1f%% > reject threshold %.1f%%", p.DiskUsedPercent, g.diskRejectPercent)
	}
	if p.MemUsedPercent > g.memRejectPercent {
		return fmt.Errorf("memory %.1f%% > reject threshold %.1f%%", p.MemUsedPercent, g.memRejectPercent)
	}
	return nil
}
