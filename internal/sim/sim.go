// Package sim simulates corner actuators and a gyro so the drivetrain can run
// without hardware.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/internal/corner"
	"swerve/internal/heading"
	"swerve/internal/kinematics"
)

const ambientTempC = 25

// Corner is an ideal corner: steering reaches its setpoint instantly and the
// wheel holds its commanded speed, limited to MaxSpeed.
type Corner struct {
	constants corner.Constants

	mu       sync.Mutex
	mode     corner.DriveMode
	setpoint float64
	neutral  corner.NeutralMode
	angle    s1.Angle
	velocity float64
	distance float64
	fault    error
}

var _ corner.Hardware = (*Corner)(nil)

// NewCorner returns a simulated corner. The constants place the raw encoder
// offset and drive inversion so that commands round-trip through a
// corner.Module the same way they would on hardware.
func NewCorner(constants corner.Constants) *Corner {
	return &Corner{constants: constants, angle: constants.AngleOffset}
}

// SetDrive implements corner.Hardware.
func (c *Corner) SetDrive(mode corner.DriveMode, setpoint float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode, c.setpoint = mode, setpoint
	return nil
}

// SetSteer implements corner.Hardware.
func (c *Corner) SetSteer(angle s1.Angle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.angle = angle.Normalized()
	return nil
}

// SetNeutral implements corner.Hardware.
func (c *Corner) SetNeutral(mode corner.NeutralMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neutral = mode
	return nil
}

// Fail makes Feedback return err until cleared with Fail(nil).
func (c *Corner) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = err
}

// Feedback implements corner.Hardware.
func (c *Corner) Feedback() (corner.Feedback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fault != nil {
		return corner.Feedback{}, c.fault
	}
	load := math.Abs(c.velocity) / c.constants.MaxSpeed
	return corner.Feedback{
		Distance:   c.distance,
		Velocity:   c.velocity,
		Angle:      c.angle,
		DriveTempC: ambientTempC + 15*load,
		SteerTempC: ambientTempC,
	}, nil
}

// Neutral returns the last neutral mode set.
func (c *Corner) Neutral() corner.NeutralMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.neutral
}

// step advances the wheel by dt and returns its motion in the chassis frame.
func (c *Corner) step(dt time.Duration) kinematics.ModuleState {
	c.mu.Lock()
	defer c.mu.Unlock()

	velocity := c.setpoint
	if c.mode == corner.DrivePercent {
		velocity *= c.constants.MaxSpeed
	}
	c.velocity = math.Max(-c.constants.MaxSpeed, math.Min(c.constants.MaxSpeed, velocity))
	c.distance += c.velocity * dt.Seconds()

	sign := 1.0
	if c.constants.DriveInverted {
		sign = -1
	}
	return kinematics.ModuleState{Angle: c.angle - c.constants.AngleOffset, Speed: sign * c.velocity}
}

// Gyro is a heading.Source whose yaw follows the simulated chassis.
type Gyro struct {
	// Clockwise reports yaw clockwise-positive, like a sensor that needs
	// inverting.
	Clockwise bool

	mu    sync.Mutex
	yaw   float64
	pitch float64
	roll  float64
	fault error
}

var _ heading.Source = (*Gyro)(nil)

// Orientation implements heading.Source.
func (g *Gyro) Orientation(ctx context.Context) (heading.Orientation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fault != nil {
		return heading.Orientation{}, g.fault
	}
	yaw := g.yaw
	if g.Clockwise {
		yaw = -yaw
	}
	return heading.Orientation{Yaw: yaw, Pitch: g.pitch, Roll: g.roll}, nil
}

// SetTilt sets the pitch and roll in degrees.
func (g *Gyro) SetTilt(pitch, roll float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pitch, g.roll = pitch, roll
}

// Fail makes Orientation return err until cleared with Fail(nil).
func (g *Gyro) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fault = err
}

func (g *Gyro) rotate(degrees float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.yaw += degrees
}

// Chassis ties four simulated corners and a gyro together.
type Chassis struct {
	Corners [kinematics.NumModules]*Corner
	Gyro    *Gyro

	kinematics *kinematics.Kinematics
}

// NewChassis returns a simulated chassis with one corner per constants entry.
func NewChassis(k *kinematics.Kinematics, constants [kinematics.NumModules]corner.Constants, clockwiseGyro bool) *Chassis {
	c := &Chassis{Gyro: &Gyro{Clockwise: clockwiseGyro}, kinematics: k}
	for i := range c.Corners {
		c.Corners[i] = NewCorner(constants[i])
	}
	return c
}

// Step advances every corner by dt and turns the gyro by the chassis rotation
// the corners produce together.
func (c *Chassis) Step(dt time.Duration) error {
	if dt < 0 {
		return errors.Errorf("negative step %v", dt)
	}
	var states [kinematics.NumModules]kinematics.ModuleState
	for i, wheel := range c.Corners {
		states[i] = wheel.step(dt)
	}
	v := c.kinematics.ToChassisVelocity(states)
	c.Gyro.rotate(s1.Angle(v.Rotation * dt.Seconds()).Degrees())
	return nil
}

// Hardware returns the corners as corner.Hardware.
func (c *Chassis) Hardware() [kinematics.NumModules]corner.Hardware {
	var hw [kinematics.NumModules]corner.Hardware
	for i, wheel := range c.Corners {
		hw[i] = wheel
	}
	return hw
}
