package odometry

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/internal/kinematics"
)

// ErrInvalidPose is returned when a reset pose is non-finite or outside the
// configured field bound. The estimator keeps its previous pose.
var ErrInvalidPose = errors.New("invalid pose")

// Estimator integrates corner travel and gyro heading into a pose. It is
// mutated only by Update and Reset.
type Estimator struct {
	kinematics *kinematics.Kinematics
	bound      float64

	pose       Pose
	gyroOffset s1.Angle
	previous   [kinematics.NumModules]kinematics.ModulePosition
}

// New returns an estimator starting at initial. bound limits the magnitude of
// X and Y accepted by Reset; zero disables the check.
func New(
	k *kinematics.Kinematics,
	gyro s1.Angle,
	positions [kinematics.NumModules]kinematics.ModulePosition,
	initial Pose,
	bound float64,
) (*Estimator, error) {
	e := &Estimator{kinematics: k, bound: bound}
	if err := e.Reset(gyro, positions, initial); err != nil {
		return nil, err
	}
	return e, nil
}

// Pose returns the current estimate.
func (e *Estimator) Pose() Pose {
	return e.pose
}

// Update advances the estimate. gyro and positions must come from the same
// control cycle.
func (e *Estimator) Update(gyro s1.Angle, positions [kinematics.NumModules]kinematics.ModulePosition) Pose {
	var deltas [kinematics.NumModules]kinematics.ModulePosition
	for i, pos := range positions {
		deltas[i] = kinematics.ModulePosition{
			Distance: pos.Distance - e.previous[i].Distance,
			Angle:    pos.Angle,
		}
	}
	e.previous = positions

	heading := gyro + e.gyroOffset
	twist := e.kinematics.ToTwist(deltas)
	twist.DTheta = (heading - e.pose.Heading).Radians()

	next := e.pose.Exp(twist)
	e.pose = Pose{X: next.X, Y: next.Y, Heading: heading}
	return e.pose
}

// Reset re-anchors the estimate at pose, for example on a vision fix. gyro and
// positions are the current readings, so that later updates measure travel
// from this point.
func (e *Estimator) Reset(
	gyro s1.Angle,
	positions [kinematics.NumModules]kinematics.ModulePosition,
	pose Pose,
) error {
	if !pose.IsFinite() {
		return errors.Wrapf(ErrInvalidPose, "non-finite pose %v", pose)
	}
	if e.bound > 0 && (math.Abs(pose.X) > e.bound || math.Abs(pose.Y) > e.bound) {
		return errors.Wrapf(ErrInvalidPose, "pose %v outside ±%.2f m", pose, e.bound)
	}
	e.pose = pose
	e.gyroOffset = pose.Heading - gyro
	e.previous = positions
	return nil
}
