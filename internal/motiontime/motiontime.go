// Package motiontime accumulates how long the drivetrain has been moving.
package motiontime

import (
	"math"
	"time"
)

// Accumulator adds one control period to its total on every cycle in which the
// pose moved by at least the noise threshold. It is a coarse moving/not-moving
// heuristic, not a path-length integral.
type Accumulator struct {
	threshold float64
	period    time.Duration

	prevX    float64
	prevY    float64
	prevDist float64
	total    time.Duration
}

// New returns an accumulator starting from the origin.
func New(threshold float64, period time.Duration) *Accumulator {
	return &Accumulator{threshold: threshold, period: period}
}

// Observe compares the pose position against the previous cycle's and reports
// whether it counted as motion.
func (a *Accumulator) Observe(x, y float64) bool {
	dist := math.Hypot(x, y)
	moved := math.Abs(x-a.prevX) >= a.threshold ||
		math.Abs(y-a.prevY) >= a.threshold ||
		math.Abs(dist-a.prevDist) >= a.threshold
	if moved {
		a.total += a.period
	}
	a.prevX, a.prevY, a.prevDist = x, y, dist
	return moved
}

// Total returns the accumulated motion time.
func (a *Accumulator) Total() time.Duration {
	return a.total
}

// Reset clears the total and the previous position.
func (a *Accumulator) Reset() {
	*a = Accumulator{threshold: a.threshold, period: a.period}
}
