// Package corner drives one steered wheel assembly of a swerve drivetrain.
package corner

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"swerve/internal/kinematics"
)

// DriveMode selects how a drive setpoint is interpreted by the actuator.
type DriveMode byte

const (
	// DrivePercent is an open-loop output fraction in [-1, 1].
	DrivePercent DriveMode = 0
	// DriveVelocity is a closed-loop wheel velocity in m/s.
	DriveVelocity DriveMode = 1
)

// NeutralMode is what the drive actuator does when commanded to zero output.
type NeutralMode byte

const (
	NeutralBrake NeutralMode = 0
	NeutralCoast NeutralMode = 1
)

func (m NeutralMode) String() string {
	if m == NeutralCoast {
		return "coast"
	}
	return "brake"
}

// jitterFraction of max speed below which the steering holds its last angle.
const jitterFraction = 0.01

var (
	ErrNoFeedback      = errors.New("no feedback received")
	ErrStaleFeedback   = errors.New("feedback is stale")
	ErrInvalidFeedback = errors.New("feedback contains non-finite values")
)

// Feedback is one snapshot of a corner's sensors. Distance and Velocity are
// measured at the wheel; Angle is the raw absolute steering encoder angle.
type Feedback struct {
	Distance   float64
	Velocity   float64
	Angle      s1.Angle
	DriveTempC float64
	SteerTempC float64
}

// Hardware is the actuator and sensor pair behind one corner. Implementations
// must not block: Feedback returns the last sample received.
type Hardware interface {
	SetDrive(mode DriveMode, setpoint float64) error
	SetSteer(angle s1.Angle) error
	SetNeutral(mode NeutralMode) error
	Feedback() (Feedback, error)
}

// Constants are the fixed per-corner calibration values.
type Constants struct {
	// AngleOffset is the absolute encoder reading when the wheel points forward.
	AngleOffset s1.Angle
	// DriveInverted marks a corner whose drive direction is mechanically reversed.
	DriveInverted bool
	MaxSpeed      float64
}

// Module is one corner. It is not safe for concurrent use.
type Module struct {
	Index int

	constants Constants
	hw        Hardware
	logger    logging.Logger

	lastAngle s1.Angle
	absolute  s1.Angle
	position  kinematics.ModulePosition
	state     kinematics.ModuleState
	driveTemp float64
	steerTemp float64
	faulted   bool
}

// New returns a module for the corner at index.
func New(index int, constants Constants, hw Hardware, logger logging.Logger) *Module {
	return &Module{
		Index:     index,
		constants: constants,
		hw:        hw,
		logger:    logger,
	}
}

// Refresh pulls one feedback sample from the hardware. On a sensor fault the
// last known position and state are kept and the fault is returned; the
// transition into and out of the fault is logged once.
func (m *Module) Refresh() error {
	fb, err := m.hw.Feedback()
	if err == nil && !fb.finite() {
		err = ErrInvalidFeedback
	}
	if err != nil {
		if !m.faulted {
			m.faulted = true
			m.logger.Warnw("corner feedback fault, holding last position", "module", m.Index, "error", err)
		}
		return errors.Wrapf(err, "module %d", m.Index)
	}
	if m.faulted {
		m.faulted = false
		m.logger.Infow("corner feedback recovered", "module", m.Index)
	}

	sign := m.driveSign()
	angle := fb.Angle - m.constants.AngleOffset
	m.absolute = fb.Angle
	m.position = kinematics.ModulePosition{Distance: sign * fb.Distance, Angle: angle}
	m.state = kinematics.ModuleState{Speed: sign * fb.Velocity, Angle: angle}
	m.driveTemp = fb.DriveTempC
	m.steerTemp = fb.SteerTempC
	return nil
}

// SetDesiredState drives the corner toward the desired state, taking the
// shorter steering path. Both actuators are always commanded; a failure of
// one does not skip the other.
func (m *Module) SetDesiredState(desired kinematics.ModuleState, openLoop bool) error {
	desired = Optimize(desired, m.state.Angle)
	return multierr.Combine(m.setAngle(desired), m.setSpeed(desired, openLoop))
}

func (m *Module) setAngle(desired kinematics.ModuleState) error {
	angle := desired.Angle
	if math.Abs(desired.Speed) <= m.constants.MaxSpeed*jitterFraction {
		angle = m.lastAngle
	}
	m.lastAngle = angle
	return errors.Wrapf(m.hw.SetSteer(angle+m.constants.AngleOffset), "module %d steer", m.Index)
}

func (m *Module) setSpeed(desired kinematics.ModuleState, openLoop bool) error {
	speed := m.driveSign() * desired.Speed
	var err error
	if openLoop {
		err = m.hw.SetDrive(DrivePercent, speed/m.constants.MaxSpeed)
	} else {
		err = m.hw.SetDrive(DriveVelocity, speed)
	}
	return errors.Wrapf(err, "module %d drive", m.Index)
}

// SetNeutral switches the drive actuator between brake and coast.
func (m *Module) SetNeutral(mode NeutralMode) error {
	return errors.Wrapf(m.hw.SetNeutral(mode), "module %d neutral", m.Index)
}

// Position returns the last known drive travel and steering angle.
func (m *Module) Position() kinematics.ModulePosition { return m.position }

// PositionInverted returns Position with the travel negated.
func (m *Module) PositionInverted() kinematics.ModulePosition { return m.position.Inverted() }

// State returns the last measured speed and steering angle.
func (m *Module) State() kinematics.ModuleState { return m.state }

// AbsoluteAngle returns the raw absolute encoder angle, before the offset.
func (m *Module) AbsoluteAngle() s1.Angle { return m.absolute }

// Temperatures returns the drive and steering actuator temperatures in °C.
func (m *Module) Temperatures() (drive, steer float64) { return m.driveTemp, m.steerTemp }

// Faulted reports whether the last Refresh failed.
func (m *Module) Faulted() bool { return m.faulted }

func (m *Module) driveSign() float64 {
	if m.constants.DriveInverted {
		return -1
	}
	return 1
}

func (fb Feedback) finite() bool {
	for _, f := range []float64{fb.Distance, fb.Velocity, fb.Angle.Radians(), fb.DriveTempC, fb.SteerTempC} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
