// Package drivetrain runs the swerve control cycle: it samples the gyro and
// the four corners, advances odometry, and actuates the active command or
// balance correction.
package drivetrain

import (
	"context"
	"math"
	"strings"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"swerve/internal/balance"
	"swerve/internal/config"
	"swerve/internal/corner"
	"swerve/internal/heading"
	"swerve/internal/headinglock"
	"swerve/internal/kinematics"
	"swerve/internal/motiontime"
	"swerve/internal/odometry"
)

// BalanceMode selects which balance controller, if any, drives the chassis.
type BalanceMode int

const (
	BalanceOff BalanceMode = iota
	BalanceClose
	BalanceFar
)

func (m BalanceMode) String() string {
	switch m {
	case BalanceClose:
		return "close"
	case BalanceFar:
		return "far"
	default:
		return "off"
	}
}

// ParseBalanceMode parses "off", "close" or "far".
func ParseBalanceMode(s string) (BalanceMode, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return BalanceOff, nil
	case "close":
		return BalanceClose, nil
	case "far":
		return BalanceFar, nil
	}
	return BalanceOff, errors.Errorf("unknown balance mode %q, want off, close or far", s)
}

// Command is a chassis velocity and how to interpret and actuate it.
type Command struct {
	Velocity      kinematics.ChassisVelocity
	FieldRelative bool
	OpenLoop      bool
}

// Status is the outcome of one cycle. Faults are held, not fatal: the cycle
// always runs to completion.
type Status struct {
	GyroFault    error
	ModuleFaults [kinematics.NumModules]error
	ActuationErr error
}

// Err combines every error of the cycle.
func (s Status) Err() error {
	errs := []error{s.GyroFault, s.ActuationErr}
	errs = append(errs, s.ModuleFaults[:]...)
	return multierr.Combine(errs...)
}

// FaultedModules returns the indices of modules whose feedback failed.
func (s Status) FaultedModules() []int {
	var faulted []int
	for i, err := range s.ModuleFaults {
		if err != nil {
			faulted = append(faulted, i)
		}
	}
	return faulted
}

// Drivetrain is the swerve subsystem. It is not safe for concurrent use; see
// Loop.
type Drivetrain struct {
	logger     logging.Logger
	maxSpeed   float64
	kinematics *kinematics.Kinematics
	modules    [kinematics.NumModules]*corner.Module
	gyro       *heading.Provider
	odometry   *odometry.Estimator
	runtime    *motiontime.Accumulator
	lock       headinglock.Lock

	balancers   map[BalanceMode]*balance.Controller
	balanceMode BalanceMode

	// Exactly one of command or states is actuated each cycle.
	command     Command
	states      [kinematics.NumModules]kinematics.ModuleState
	statesValid bool

	coast       bool
	moved       bool
	avgTemp     float64
	needsAnchor bool
	status      Status
}

// New builds the drivetrain and takes the first gyro and corner samples. A
// corner or gyro that has not reported yet is not an error: odometry anchors
// on the first cycle in which every corner reports.
func New(
	ctx context.Context,
	cfg *config.Config,
	hardware [kinematics.NumModules]corner.Hardware,
	source heading.Source,
	logger logging.Logger,
) (*Drivetrain, error) {
	d := &Drivetrain{
		logger:     logger,
		maxSpeed:   cfg.MaxSpeedMPS,
		kinematics: kinematics.New(cfg.Offsets()),
		gyro:       heading.NewProvider(source, cfg.InvertGyro, logger),
		runtime:    motiontime.New(cfg.RuntimeThresholdMeters, cfg.RuntimePeriod()),
		balancers: map[BalanceMode]*balance.Controller{
			BalanceClose: balance.New(cfg.BalanceClose()),
			BalanceFar:   balance.New(cfg.BalanceFar()),
		},
	}
	constants := cfg.CornerConstants()
	for i := range d.modules {
		if hardware[i] == nil {
			return nil, errors.Errorf("no hardware for module %d", i)
		}
		d.modules[i] = corner.New(i, constants[i], hardware[i], logger)
	}

	d.status.GyroFault = d.gyro.Sample(ctx)
	for i, m := range d.modules {
		d.status.ModuleFaults[i] = m.Refresh()
		if d.status.ModuleFaults[i] != nil {
			d.needsAnchor = true
		}
	}

	var err error
	d.odometry, err = odometry.New(d.kinematics, d.gyro.Yaw(), d.Positions(), odometry.Pose{}, cfg.PoseBoundMeters)
	if err != nil {
		return nil, err
	}
	logger.Infow("drivetrain ready",
		"max_speed_mps", d.maxSpeed, "offsets", d.kinematics.Offsets(), "invert_gyro", cfg.InvertGyro)
	return d, nil
}

// Periodic runs one control cycle: gyro sample, corner feedback, odometry,
// runtime, temperatures, then actuation of the balance correction if one is
// active or else of the current command.
func (d *Drivetrain) Periodic(ctx context.Context) Status {
	var status Status
	status.GyroFault = d.gyro.Sample(ctx)

	healthy := true
	for i, m := range d.modules {
		status.ModuleFaults[i] = m.Refresh()
		healthy = healthy && status.ModuleFaults[i] == nil
	}

	positions := d.Positions()
	if d.needsAnchor && healthy {
		// Corner odometers may have jumped from zero to their power-on total.
		if err := d.odometry.Reset(d.gyro.Yaw(), positions, d.odometry.Pose()); err != nil {
			d.logger.Errorw("re-anchoring odometry", "error", err)
		}
		d.needsAnchor = false
	}
	pose := d.odometry.Update(d.gyro.Yaw(), positions)
	d.moved = d.runtime.Observe(pose.X, pose.Y)
	d.avgTemp = d.averageTemperature()

	if ctl, ok := d.balancers[d.balanceMode]; ok {
		status.ActuationErr = d.runBalance(ctl)
	} else {
		status.ActuationErr = d.apply()
	}

	d.status = status
	return status
}

func (d *Drivetrain) runBalance(ctl *balance.Controller) error {
	decision := ctl.Step(d.gyro.Pitch(), d.gyro.Roll())
	var err error
	if decision.Brake {
		err = d.setNeutral(corner.NeutralBrake)
	}
	return multierr.Combine(err, d.Drive(decision.Velocity, true, true))
}

func (d *Drivetrain) apply() error {
	if d.statesValid {
		return d.actuate(d.states, false)
	}
	return d.Drive(d.command.Velocity, d.command.FieldRelative, d.command.OpenLoop)
}

// Drive actuates a chassis velocity now. A field-relative velocity is rotated
// into the robot frame using the gyro heading.
func (d *Drivetrain) Drive(v kinematics.ChassisVelocity, fieldRelative, openLoop bool) error {
	if !v.IsFinite() {
		return errors.Errorf("non-finite chassis velocity %+v", v)
	}
	if fieldRelative {
		v = kinematics.FromFieldRelative(v, d.gyro.Yaw())
	}
	states := kinematics.Desaturate(d.kinematics.ToModuleStates(v), d.maxSpeed)
	return d.actuate(states, openLoop)
}

func (d *Drivetrain) actuate(states [kinematics.NumModules]kinematics.ModuleState, openLoop bool) error {
	var err error
	for i, m := range d.modules {
		err = multierr.Append(err, m.SetDesiredState(states[i], openLoop))
	}
	return err
}

// SetCommand makes cmd the command actuated every cycle and actuates it now.
// It does not leave a balance mode.
func (d *Drivetrain) SetCommand(cmd Command) error {
	if !cmd.Velocity.IsFinite() {
		return errors.Errorf("non-finite chassis velocity %+v", cmd.Velocity)
	}
	d.command = cmd
	d.statesValid = false
	if d.balanceMode != BalanceOff {
		return nil
	}
	return d.apply()
}

// Command returns the command actuated when no balance mode is active.
func (d *Drivetrain) Command() Command {
	return d.command
}

// Stop leaves any balance mode and commands zero velocity.
func (d *Drivetrain) Stop() error {
	d.setBalanceMode(BalanceOff)
	return d.SetCommand(Command{})
}

// SetModuleStates actuates externally produced module states, closed loop,
// after desaturating them. They stay active until the next command.
func (d *Drivetrain) SetModuleStates(states [kinematics.NumModules]kinematics.ModuleState) error {
	for i, state := range states {
		if math.IsNaN(state.Speed) || math.IsInf(state.Speed, 0) || math.IsNaN(state.Angle.Radians()) {
			return errors.Errorf("module %d: non-finite state %+v", i, state)
		}
	}
	d.states = kinematics.Desaturate(states, d.maxSpeed)
	d.statesValid = true
	if d.balanceMode != BalanceOff {
		return nil
	}
	return d.apply()
}

// States returns the measured state of every module.
func (d *Drivetrain) States() [kinematics.NumModules]kinematics.ModuleState {
	var states [kinematics.NumModules]kinematics.ModuleState
	for i, m := range d.modules {
		states[i] = m.State()
	}
	return states
}

// Positions returns the travel and angle of every module.
func (d *Drivetrain) Positions() [kinematics.NumModules]kinematics.ModulePosition {
	var positions [kinematics.NumModules]kinematics.ModulePosition
	for i, m := range d.modules {
		positions[i] = m.Position()
	}
	return positions
}

// PositionsInverted returns Positions with every travel negated.
func (d *Drivetrain) PositionsInverted() [kinematics.NumModules]kinematics.ModulePosition {
	var positions [kinematics.NumModules]kinematics.ModulePosition
	for i, m := range d.modules {
		positions[i] = m.PositionInverted()
	}
	return positions
}

// Velocity returns the measured chassis velocity.
func (d *Drivetrain) Velocity() kinematics.ChassisVelocity {
	return d.kinematics.ToChassisVelocity(d.States())
}

// Pose returns the odometry estimate.
func (d *Drivetrain) Pose() odometry.Pose {
	return d.odometry.Pose()
}

// ResetPose re-anchors odometry at pose. An invalid pose is rejected and the
// estimate is left unchanged.
func (d *Drivetrain) ResetPose(pose odometry.Pose) error {
	if err := d.odometry.Reset(d.gyro.Yaw(), d.Positions(), pose); err != nil {
		return err
	}
	d.logger.Infow("pose reset", "pose", pose.String())
	return nil
}

// Heading returns the gyro heading.
func (d *Drivetrain) Heading() s1.Angle {
	return d.gyro.Yaw()
}

// ZeroGyro is SetGyro(0).
func (d *Drivetrain) ZeroGyro() error {
	return d.SetGyro(0)
}

// SetGyro re-zeroes the gyro so that it reads degrees. The odometry pose is
// kept: only the field-relative frame turns.
func (d *Drivetrain) SetGyro(degrees float64) error {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return errors.Errorf("invalid gyro heading %v", degrees)
	}
	d.gyro.SetYaw(degrees)
	return d.odometry.Reset(d.gyro.Yaw(), d.Positions(), d.odometry.Pose())
}

// HeadingLock returns the heading-lock mode.
func (d *Drivetrain) HeadingLock() headinglock.State {
	return d.lock.State()
}

// AdvanceHeadingLock cycles the heading-lock mode.
func (d *Drivetrain) AdvanceHeadingLock() headinglock.State {
	return d.lock.Advance()
}

// ResetHeadingLock forces the heading-lock mode to free.
func (d *Drivetrain) ResetHeadingLock() {
	d.lock.Reset()
}

// ToggleCoast switches every drive actuator between coast and brake and
// returns whether they now coast.
func (d *Drivetrain) ToggleCoast() (bool, error) {
	mode := corner.NeutralCoast
	if d.coast {
		mode = corner.NeutralBrake
	}
	err := d.setNeutral(mode)
	d.logger.Infow("neutral mode", "mode", mode.String())
	return d.coast, err
}

func (d *Drivetrain) setNeutral(mode corner.NeutralMode) error {
	var err error
	for _, m := range d.modules {
		err = multierr.Append(err, m.SetNeutral(mode))
	}
	d.coast = mode == corner.NeutralCoast
	return err
}

// SetBalance selects a balance mode. Leaving a balance mode stops the chassis.
func (d *Drivetrain) SetBalance(mode BalanceMode) error {
	if mode == d.balanceMode {
		return nil
	}
	if mode == BalanceOff {
		return d.Stop()
	}
	d.setBalanceMode(mode)
	return nil
}

func (d *Drivetrain) setBalanceMode(mode BalanceMode) {
	if mode != d.balanceMode {
		d.logger.Infow("balance mode", "from", d.balanceMode.String(), "to", mode.String())
	}
	d.balanceMode = mode
}

// BalanceMode returns the active balance mode.
func (d *Drivetrain) BalanceMode() BalanceMode {
	return d.balanceMode
}

// BalanceBrake leaves any balance mode and holds a slow field-relative strafe
// that wedges the chassis in place.
func (d *Drivetrain) BalanceBrake() error {
	d.setBalanceMode(BalanceOff)
	return d.SetCommand(Command{Velocity: balance.BrakeStrafe(d.maxSpeed), FieldRelative: true, OpenLoop: true})
}

// IsMoving reports whether a non-zero command or balance correction is active
// or the last cycle measured motion.
func (d *Drivetrain) IsMoving() bool {
	if d.moved || d.balanceMode != BalanceOff {
		return true
	}
	if d.statesValid {
		for _, state := range d.states {
			if state.Speed != 0 {
				return true
			}
		}
		return false
	}
	return !d.command.Velocity.IsZero()
}

func (d *Drivetrain) averageTemperature() float64 {
	var sum float64
	for _, m := range d.modules {
		drive, steer := m.Temperatures()
		sum += drive + steer
	}
	return sum / (2 * kinematics.NumModules)
}
