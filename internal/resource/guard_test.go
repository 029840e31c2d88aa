package resource

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestShouldAcceptWriteAllowsWhenBelowThresholds(t *testing.T) {
	g := New(t.TempDir(), 99.9, 99.9, zerolog.Nop())
	g.current.Store(&Pressure{DiskUsedPercent: 10, MemUsedPercent: 10})
	require.NoError(t, g.ShouldAcceptWrite())
}

func TestShouldAcceptWriteRejectsOnDiskPressure(t *testing.T) {
	g := New(t.TempDir(), 50, 99.9, zerolog.Nop())
	g.current.Store(&Pressure{DiskUsedPercent: 95, MemUsedPercent: 10})
	require.Error(t, g.ShouldAcceptWrite())
}

func TestShouldAcceptWriteRejectsOnMemPressure(t *testing.T) {
	g := New(t.TempDir(), 99.9, 50, zerolog.Nop())
	g.current.Store(&Pressure{DiskUsedPercent: 10, MemUsedPercent: 95})
	require.Error(t, g.ShouldAcceptWrite())
}

func TestCurrentReflectsLastSample(t *testing.T) {
	g := New(t.TempDir(), 99.9, 99.9, zerolog.Nop())
	g.sample()
	p := g.Current()
	require.GreaterOrEqual(t, p.MemUsedPercent, 0.0)
}
