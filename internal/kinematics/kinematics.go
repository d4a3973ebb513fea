package kinematics

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
)

// Kinematics holds the fixed module geometry of the drivetrain: the offset of
// each corner from the chassis center, X forward and Y left, in meters.
type Kinematics struct {
	offsets [NumModules]r2.Point
	normSq  float64
}

// New returns a solver for the given corner offsets.
func New(offsets [NumModules]r2.Point) *Kinematics {
	k := &Kinematics{offsets: offsets}
	for _, offset := range offsets {
		k.normSq += offset.Dot(offset)
	}
	return k
}

// Rectangular returns the corner offsets of a drivetrain whose wheels sit on
// the corners of a wheelbase x trackwidth rectangle centered on the chassis.
func Rectangular(wheelbase, trackwidth float64) [NumModules]r2.Point {
	x, y := wheelbase/2, trackwidth/2
	return [NumModules]r2.Point{
		FrontLeft:  {X: x, Y: y},
		FrontRight: {X: x, Y: -y},
		BackLeft:   {X: -x, Y: y},
		BackRight:  {X: -x, Y: -y},
	}
}

// Offsets returns the corner offsets.
func (k *Kinematics) Offsets() [NumModules]r2.Point {
	return k.offsets
}

// ToModuleStates solves the inverse kinematics for a robot-relative chassis
// velocity. Each corner's velocity is the translation plus the tangential
// component of the rotation at that corner's offset.
func (k *Kinematics) ToModuleStates(v ChassisVelocity) [NumModules]ModuleState {
	var states [NumModules]ModuleState
	translation := r2.Point{X: v.Forward, Y: v.Strafe}
	for i, offset := range k.offsets {
		vel := translation.Add(offset.Ortho().Mul(v.Rotation))
		states[i] = ModuleState{
			Angle: s1.Angle(math.Atan2(vel.Y, vel.X)),
			Speed: vel.Norm(),
		}
	}
	return states
}

// ToChassisVelocity solves the forward kinematics in the least-squares sense,
// assuming the corners are arranged around the chassis center.
func (k *Kinematics) ToChassisVelocity(states [NumModules]ModuleState) ChassisVelocity {
	var vectors [NumModules]r2.Point
	for i, state := range states {
		vectors[i] = polar(state.Speed, state.Angle)
	}
	translation, rotation := k.solve(vectors)
	return ChassisVelocity{Forward: translation.X, Strafe: translation.Y, Rotation: rotation}
}

// ToTwist converts the travel of each corner since the last update into a
// robot-frame chassis displacement.
func (k *Kinematics) ToTwist(deltas [NumModules]ModulePosition) Twist {
	var vectors [NumModules]r2.Point
	for i, delta := range deltas {
		vectors[i] = polar(delta.Distance, delta.Angle)
	}
	translation, rotation := k.solve(vectors)
	return Twist{DX: translation.X, DY: translation.Y, DTheta: rotation}
}

func (k *Kinematics) solve(vectors [NumModules]r2.Point) (r2.Point, float64) {
	var sum r2.Point
	var moment float64
	for i, vec := range vectors {
		sum = sum.Add(vec)
		moment += k.offsets[i].Cross(vec)
	}
	var rotation float64
	if k.normSq > 0 {
		rotation = moment / k.normSq
	}
	return sum.Mul(1.0 / NumModules), rotation
}

// FromFieldRelative converts a field-relative command into the robot frame
// given the robot's current heading.
func FromFieldRelative(v ChassisVelocity, heading s1.Angle) ChassisVelocity {
	sin, cos := math.Sincos(heading.Radians())
	return ChassisVelocity{
		Forward:  v.Forward*cos + v.Strafe*sin,
		Strafe:   -v.Forward*sin + v.Strafe*cos,
		Rotation: v.Rotation,
	}
}

// Desaturate scales every speed by the same factor so that none exceeds
// maxSpeed. Angles are left untouched, so the direction of motion is preserved.
func Desaturate(states [NumModules]ModuleState, maxSpeed float64) [NumModules]ModuleState {
	top, topIdx := 0.0, 0
	for i, state := range states {
		if speed := math.Abs(state.Speed); speed > top {
			top, topIdx = speed, i
		}
	}
	if top <= maxSpeed {
		return states
	}

	ratio := maxSpeed / top
	for i := range states {
		speed := states[i].Speed * ratio
		if i == topIdx || math.Abs(speed) > maxSpeed {
			speed = math.Copysign(maxSpeed, speed)
		}
		states[i].Speed = speed
	}
	return states
}

func polar(magnitude float64, angle s1.Angle) r2.Point {
	sin, cos := math.Sincos(angle.Radians())
	return r2.Point{X: cos * magnitude, Y: sin * magnitude}
}
