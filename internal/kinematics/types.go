// Package kinematics converts chassis-level motion commands into per-corner
// steering angle and wheel speed setpoints for a four-corner swerve drivetrain,
// and converts measured corner motion back into chassis motion.
package kinematics

import (
	"math"

	"github.com/golang/geo/s1"
)

// NumModules is the number of independently steered corners.
const NumModules = 4

// Corner indices. The assignment is fixed and must match physical mounting.
const (
	FrontLeft = iota
	FrontRight
	BackLeft
	BackRight
)

// ChassisVelocity is a chassis-level motion command. Forward and Strafe are in
// meters per second with strafe positive to the left; Rotation is in radians
// per second, counter-clockwise positive.
type ChassisVelocity struct {
	Forward  float64
	Strafe   float64
	Rotation float64
}

// IsZero reports whether the command requests no motion at all.
func (v ChassisVelocity) IsZero() bool {
	return v.Forward == 0 && v.Strafe == 0 && v.Rotation == 0
}

// IsFinite reports whether every component is a finite number.
func (v ChassisVelocity) IsFinite() bool {
	return finite(v.Forward) && finite(v.Strafe) && finite(v.Rotation)
}

// ModuleState is the steering angle and signed wheel speed (m/s) of one corner.
type ModuleState struct {
	Angle s1.Angle
	Speed float64
}

// ModulePosition is the accumulated drive travel (meters) and the steering
// angle of one corner.
type ModulePosition struct {
	Distance float64
	Angle    s1.Angle
}

// Inverted returns the position as seen by a corner whose drive direction is
// mechanically reversed relative to the frame.
func (p ModulePosition) Inverted() ModulePosition {
	return ModulePosition{Distance: -p.Distance, Angle: p.Angle}
}

// Twist is a chassis displacement expressed in the robot frame: DX forward,
// DY left (meters), DTheta counter-clockwise (radians).
type Twist struct {
	DX     float64
	DY     float64
	DTheta float64
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
