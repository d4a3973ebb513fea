// Package odometry maintains a field-relative pose estimate by dead reckoning
// from corner travel and gyro heading.
package odometry

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"

	"swerve/internal/kinematics"
)

// Pose is a field-relative position in meters and heading. The heading is not
// wrapped.
type Pose struct {
	X       float64
	Y       float64
	Heading s1.Angle
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.2f°)", p.X, p.Y, p.Heading.Degrees())
}

// IsFinite reports whether every component is a finite number.
func (p Pose) IsFinite() bool {
	for _, f := range []float64{p.X, p.Y, p.Heading.Radians()} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Exp applies a robot-frame twist to the pose, following a constant-curvature
// arc rather than a straight line.
func (p Pose) Exp(t kinematics.Twist) Pose {
	sin, cos := math.Sincos(t.DTheta)
	var s, c float64
	if math.Abs(t.DTheta) < 1e-9 {
		s = 1 - t.DTheta*t.DTheta/6
		c = t.DTheta / 2
	} else {
		s = sin / t.DTheta
		c = (1 - cos) / t.DTheta
	}
	dx := t.DX*s - t.DY*c
	dy := t.DX*c + t.DY*s

	hs, hc := math.Sincos(p.Heading.Radians())
	return Pose{
		X:       p.X + dx*hc - dy*hs,
		Y:       p.Y + dx*hs + dy*hc,
		Heading: p.Heading + s1.Angle(t.DTheta),
	}
}
