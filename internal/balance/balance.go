// Package balance levels the chassis on a tilting platform using pitch and
// roll feedback.
package balance

import (
	"math"

	"swerve/internal/kinematics"
)

// Action tags what a controller step decided to do.
type Action int

const (
	// Hold means both axes are inside the deadband.
	Hold Action = iota
	CorrectPitch
	CorrectRoll
)

func (a Action) String() string {
	switch a {
	case CorrectPitch:
		return "correct_pitch"
	case CorrectRoll:
		return "correct_roll"
	default:
		return "hold"
	}
}

// Config describes one docking scenario.
type Config struct {
	// Center is the pitch/roll reading, in degrees, treated as level.
	Center float64
	// Deadband is the error magnitude, in degrees, inside which no correction
	// is issued.
	Deadband float64
	KP       float64
	// KF is a constant feed-forward added to the output to overcome static
	// friction near zero error.
	KF float64
	// SpeedCap converts controller output into m/s.
	SpeedCap float64
	// Invert flips the sign of the correction.
	Invert bool
	// BrakeWhenLevel puts the drive actuators in brake mode once level.
	BrakeWhenLevel bool
}

// Close is the preset for docking from the near side.
func Close(kp, kf, speedCap, deadband float64) Config {
	return Config{Center: 2.25, Deadband: deadband, KP: kp, KF: kf, SpeedCap: speedCap}
}

// Far is the preset for docking from the far side. It drives the opposite way
// and brakes once level.
func Far(kp, kf, speedCap, deadband float64) Config {
	return Config{Center: 3.5, Deadband: deadband, KP: kp, KF: kf, SpeedCap: speedCap, Invert: true, BrakeWhenLevel: true}
}

// Decision is the output of one controller step. Velocity is field relative
// and meant to be driven open loop.
type Decision struct {
	Action   Action
	Velocity kinematics.ChassisVelocity
	Brake    bool
}

// Controller runs one Config. It keeps no state between steps, so a step that
// has not reached level is simply repeated next cycle.
type Controller struct {
	cfg Config
}

// New returns a controller for cfg.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Step decides the correction for one cycle. Pitch is corrected first; roll is
// only corrected once pitch is inside the deadband. The two axes are never
// combined in one command.
func (c *Controller) Step(pitch, roll float64) Decision {
	errPitch := pitch - c.cfg.Center
	errRoll := roll - c.cfg.Center

	if math.Abs(errPitch) > c.cfg.Deadband {
		return Decision{
			Action:   CorrectPitch,
			Velocity: kinematics.ChassisVelocity{Forward: c.output(errPitch)},
		}
	}
	if math.Abs(errRoll) > c.cfg.Deadband {
		return Decision{
			Action:   CorrectRoll,
			Velocity: kinematics.ChassisVelocity{Strafe: c.output(errRoll)},
		}
	}
	return Decision{Action: Hold, Brake: c.cfg.BrakeWhenLevel}
}

func (c *Controller) output(err float64) float64 {
	out := (err*c.cfg.KP + c.cfg.KF) * c.cfg.SpeedCap
	if c.cfg.Invert {
		return -out
	}
	return out
}

// BrakeStrafe is the field-relative strafe that wedges the chassis in place on
// the platform: 5% of max speed to the left, no rotation.
func BrakeStrafe(maxSpeed float64) kinematics.ChassisVelocity {
	return kinematics.ChassisVelocity{Strafe: 0.05 * maxSpeed}
}
