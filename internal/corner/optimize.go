package corner

import (
	"math"

	"github.com/golang/geo/s1"

	"swerve/internal/kinematics"
)

// Optimize returns a state equivalent to desired that needs the least steering
// travel from current. When the target is more than a quarter turn away the
// wheel is instead turned to the opposite heading and driven in reverse. The
// returned angle is expressed relative to current, so it may lie outside
// (-180°, 180°].
func Optimize(desired kinematics.ModuleState, current s1.Angle) kinematics.ModuleState {
	delta := (desired.Angle - current).Normalized()
	speed := desired.Speed
	if math.Abs(delta.Radians()) > math.Pi/2 {
		delta = (delta + s1.Angle(math.Pi)).Normalized()
		speed = -speed
	}
	return kinematics.ModuleState{Angle: current + delta, Speed: speed}
}
