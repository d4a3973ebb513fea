package heading

import (
	"context"
	"math"
	"sync"
)

// Unwrapper converts a yaw that wraps at ±180° into an accumulated yaw, for
// sensors that do not count full rotations themselves.
type Unwrapper struct {
	last   float64
	total  float64
	primed bool
}

// Unwrap folds the next wrapped reading into the accumulated yaw. Consecutive
// readings are assumed to be less than half a turn apart.
func (u *Unwrapper) Unwrap(yaw float64) float64 {
	if !u.primed {
		u.primed = true
		u.last, u.total = yaw, yaw
		return yaw
	}
	u.total += math.Remainder(yaw-u.last, 360)
	u.last = yaw
	return u.total
}

// FakeSource is a Source whose sample is set directly.
type FakeSource struct {
	mu     sync.Mutex
	sample Orientation
	err    error
}

// Set replaces the sample and clears any error.
func (f *FakeSource) Set(o Orientation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample, f.err = o, nil
}

// Fail makes subsequent reads return err.
func (f *FakeSource) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Orientation implements Source.
func (f *FakeSource) Orientation(ctx context.Context) (Orientation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, f.err
}
