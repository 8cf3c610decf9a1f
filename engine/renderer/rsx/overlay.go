package rsx

import (
	"github.com/spaghettifunk/rsx/engine/core"
	"github.com/spaghettifunk/rsx/engine/renderer/gpu"
)

// StatsOverlay reports the frame timings through the logger every Interval
// frames instead of drawing them.
type StatsOverlay struct {
	Interval int
	frames   int
}

func NewStatsOverlay(interval int) *StatsOverlay {
	if interval <= 0 {
		interval = 60
	}
	return &StatsOverlay{Interval: interval}
}

func (o *StatsOverlay) Render(_ gpu.CommandContext, _ gpu.Texture, stats TimingStats) error {
	o.frames++
	if o.frames%o.Interval != 0 {
		return nil
	}
	core.LogDebug("frame %d timings: %s", o.frames, stats.JSON())
	return nil
}
