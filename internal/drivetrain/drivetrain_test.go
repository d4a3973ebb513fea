package drivetrain

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"swerve/internal/config"
	"swerve/internal/corner"
	"swerve/internal/heading"
	"swerve/internal/headinglock"
	"swerve/internal/kinematics"
	"swerve/internal/odometry"
	"swerve/internal/sim"
)

type harness struct {
	cfg     *config.Config
	chassis *sim.Chassis
	dt      *Drivetrain
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{Simulated: true}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	_, err := cfg.Validate("test")
	test.That(t, err, test.ShouldBeNil)

	chassis := sim.NewChassis(kinematics.New(cfg.Offsets()), cfg.CornerConstants(), cfg.InvertGyro)
	dt, err := New(context.Background(), cfg, chassis.Hardware(), chassis.Gyro, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return &harness{cfg: cfg, chassis: chassis, dt: dt}
}

// cycles steps the simulation by one loop period and then runs one cycle, n times.
func (h *harness) cycles(t *testing.T, n int) Status {
	t.Helper()
	var status Status
	for i := 0; i < n; i++ {
		test.That(t, h.chassis.Step(h.cfg.LoopPeriod()), test.ShouldBeNil)
		status = h.dt.Periodic(context.Background())
	}
	return status
}

func TestDriveForward(t *testing.T) {
	h := newHarness(t, nil)
	test.That(t, h.dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Forward: 1}}), test.ShouldBeNil)

	status := h.cycles(t, 50)
	test.That(t, status.Err(), test.ShouldBeNil)

	pose := h.dt.Pose()
	test.That(t, pose.X, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, pose.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, pose.Heading.Degrees(), test.ShouldAlmostEqual, 0, 1e-6)
	for _, state := range h.dt.States() {
		test.That(t, state.Speed, test.ShouldAlmostEqual, 1, 1e-9)
		test.That(t, state.Angle.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)
	}
	test.That(t, h.dt.Velocity().Forward, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, h.dt.IsMoving(), test.ShouldBeTrue)
}

func TestDriveFieldRelative(t *testing.T) {
	h := newHarness(t, nil)
	test.That(t, h.dt.SetGyro(45), test.ShouldBeNil)
	test.That(t, h.dt.Heading().Degrees(), test.ShouldAlmostEqual, 45, 1e-9)
	test.That(t, h.dt.Pose().Heading.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)

	cmd := Command{Velocity: kinematics.ChassisVelocity{Forward: 1}, FieldRelative: true}
	test.That(t, h.dt.SetCommand(cmd), test.ShouldBeNil)
	h.cycles(t, 50)

	pose := h.dt.Pose()
	test.That(t, pose.X, test.ShouldAlmostEqual, math.Sqrt2/2, 1e-6)
	test.That(t, pose.Y, test.ShouldAlmostEqual, -math.Sqrt2/2, 1e-6)
	test.That(t, h.dt.States()[kinematics.FrontLeft].Angle.Degrees(), test.ShouldAlmostEqual, -45, 1e-9)
}

func TestSpinFollowsGyro(t *testing.T) {
	for _, invert := range []bool{false, true} {
		h := newHarness(t, func(cfg *config.Config) { cfg.InvertGyro = invert })
		test.That(t, h.dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Rotation: 1}}), test.ShouldBeNil)
		h.cycles(t, 50)

		pose := h.dt.Pose()
		test.That(t, pose.Heading.Radians(), test.ShouldAlmostEqual, 1, 1e-6)
		test.That(t, pose.X, test.ShouldAlmostEqual, 0, 1e-6)
		test.That(t, pose.Y, test.ShouldAlmostEqual, 0, 1e-6)
		test.That(t, h.dt.Telemetry().NominalHeadingDegrees, test.ShouldAlmostEqual, 180/math.Pi, 1e-6)
	}
}

func TestModuleFaultDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, nil)
	test.That(t, h.dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Forward: 1}}), test.ShouldBeNil)
	h.cycles(t, 5)
	held := h.dt.Positions()[kinematics.BackLeft]

	h.chassis.Corners[kinematics.BackLeft].Fail(errors.New("encoder unplugged"))
	status := h.cycles(t, 5)
	test.That(t, status.Err(), test.ShouldNotBeNil)
	test.That(t, status.FaultedModules(), test.ShouldResemble, []int{kinematics.BackLeft})
	test.That(t, h.dt.Positions()[kinematics.BackLeft], test.ShouldResemble, held)
	test.That(t, h.dt.Positions()[kinematics.FrontLeft].Distance, test.ShouldAlmostEqual, 0.2, 1e-9)
	test.That(t, h.dt.Telemetry().FaultedModules, test.ShouldResemble, []int{kinematics.BackLeft})

	h.chassis.Corners[kinematics.BackLeft].Fail(nil)
	status = h.cycles(t, 1)
	test.That(t, status.Err(), test.ShouldBeNil)
}

func TestGyroFaultHoldsHeading(t *testing.T) {
	h := newHarness(t, nil)
	h.chassis.Gyro.Fail(errors.New("i2c timeout"))
	status := h.cycles(t, 1)
	test.That(t, status.GyroFault, test.ShouldNotBeNil)
	test.That(t, h.dt.Telemetry().GyroFaulted, test.ShouldBeTrue)
	test.That(t, h.dt.Pose().Heading.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestResetPose(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.PoseBoundMeters = 10 })

	want := odometry.Pose{X: 1, Y: 2, Heading: 90 * s1.Degree}
	test.That(t, h.dt.ResetPose(want), test.ShouldBeNil)
	h.cycles(t, 3)
	got := h.dt.Pose()
	test.That(t, got.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, got.Heading.Degrees(), test.ShouldAlmostEqual, 90, 1e-9)

	for _, bad := range []odometry.Pose{{X: 20}, {Y: math.NaN()}, {Heading: s1.Angle(math.Inf(1))}} {
		err := h.dt.ResetPose(bad)
		test.That(t, errors.Is(err, odometry.ErrInvalidPose), test.ShouldBeTrue)
		test.That(t, h.dt.Pose(), test.ShouldResemble, got)
	}
}

func TestBalanceFarBrakesWhenLevel(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.dt.ToggleCoast()
	test.That(t, err, test.ShouldBeNil)

	test.That(t, h.dt.SetBalance(BalanceFar), test.ShouldBeNil)
	h.chassis.Gyro.SetTilt(13.5, 0)
	h.cycles(t, 2)
	test.That(t, h.dt.Velocity().Forward, test.ShouldAlmostEqual, -(10*0.06+0.02)*0.5, 1e-9)
	test.That(t, h.dt.IsMoving(), test.ShouldBeTrue)

	h.chassis.Gyro.SetTilt(3.5, 3.5)
	for i := 0; i < 3; i++ {
		h.cycles(t, 1)
		test.That(t, h.dt.Telemetry().Coast, test.ShouldBeFalse)
		for _, c := range h.chassis.Corners {
			test.That(t, c.Neutral(), test.ShouldEqual, corner.NeutralBrake)
		}
	}
	test.That(t, h.dt.Velocity().IsZero(), test.ShouldBeTrue)
	test.That(t, h.dt.BalanceMode(), test.ShouldEqual, BalanceFar)
}

func TestBalanceCloseCorrectsRoll(t *testing.T) {
	h := newHarness(t, nil)
	test.That(t, h.dt.SetBalance(BalanceClose), test.ShouldBeNil)
	h.chassis.Gyro.SetTilt(2.25, 10.25)
	h.cycles(t, 2)

	v := h.dt.Velocity()
	test.That(t, v.Forward, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Strafe, test.ShouldAlmostEqual, (8*0.06+0.02)*0.5, 1e-9)

	test.That(t, h.dt.SetBalance(BalanceOff), test.ShouldBeNil)
	h.cycles(t, 2)
	test.That(t, h.dt.Velocity().IsZero(), test.ShouldBeTrue)
}

func TestBalanceBrake(t *testing.T) {
	h := newHarness(t, nil)
	test.That(t, h.dt.SetBalance(BalanceClose), test.ShouldBeNil)
	test.That(t, h.dt.BalanceBrake(), test.ShouldBeNil)

	test.That(t, h.dt.BalanceMode(), test.ShouldEqual, BalanceOff)
	cmd := h.dt.Command()
	test.That(t, cmd.Velocity.Strafe, test.ShouldAlmostEqual, 0.05*h.cfg.MaxSpeedMPS, 1e-9)
	test.That(t, cmd.FieldRelative, test.ShouldBeTrue)
	test.That(t, cmd.OpenLoop, test.ShouldBeTrue)

	h.cycles(t, 2)
	test.That(t, h.dt.Velocity().Strafe, test.ShouldAlmostEqual, 0.05*h.cfg.MaxSpeedMPS, 1e-9)
}

func TestSetModuleStatesDesaturates(t *testing.T) {
	h := newHarness(t, nil)
	var states [kinematics.NumModules]kinematics.ModuleState
	for i := range states {
		states[i] = kinematics.ModuleState{Speed: 10}
	}
	states[kinematics.BackRight].Speed = 5
	test.That(t, h.dt.SetModuleStates(states), test.ShouldBeNil)
	h.cycles(t, 1)

	measured := h.dt.States()
	test.That(t, measured[kinematics.FrontLeft].Speed, test.ShouldAlmostEqual, h.cfg.MaxSpeedMPS, 1e-9)
	test.That(t, measured[kinematics.BackRight].Speed, test.ShouldAlmostEqual, h.cfg.MaxSpeedMPS/2, 1e-9)

	test.That(t, h.dt.Stop(), test.ShouldBeNil)
	h.cycles(t, 1)
	test.That(t, h.dt.Velocity().IsZero(), test.ShouldBeTrue)

	states[0].Speed = math.NaN()
	test.That(t, h.dt.SetModuleStates(states), test.ShouldNotBeNil)
}

func TestMotionTime(t *testing.T) {
	h := newHarness(t, nil)
	h.cycles(t, 5)
	test.That(t, h.dt.Telemetry().MotionTime, test.ShouldEqual, time.Duration(0))
	test.That(t, h.dt.IsMoving(), test.ShouldBeFalse)

	// 3 m/s moves 6 cm per 20 ms cycle, above the 5 cm threshold.
	test.That(t, h.dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Forward: 3}}), test.ShouldBeNil)
	h.cycles(t, 10)
	test.That(t, h.dt.Telemetry().MotionTime, test.ShouldEqual, 10*h.cfg.LoopPeriod())
	test.That(t, h.dt.Telemetry().MotionTime, test.ShouldEqual, 200*time.Millisecond)
}

func TestPositionsInverted(t *testing.T) {
	h := newHarness(t, nil)
	test.That(t, h.dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Forward: 1, Strafe: 0.5}}), test.ShouldBeNil)
	h.cycles(t, 20)

	positions := h.dt.Positions()
	inverted := h.dt.PositionsInverted()
	for i := range positions {
		test.That(t, positions[i].Distance, test.ShouldBeGreaterThan, 0.0)
		test.That(t, inverted[i].Distance, test.ShouldEqual, -positions[i].Distance)
		test.That(t, inverted[i].Angle, test.ShouldEqual, positions[i].Angle)
	}
}

func TestToggleCoastAndHeadingLock(t *testing.T) {
	h := newHarness(t, nil)

	coast, err := h.dt.ToggleCoast()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, coast, test.ShouldBeTrue)
	test.That(t, h.chassis.Corners[0].Neutral(), test.ShouldEqual, corner.NeutralCoast)
	coast, err = h.dt.ToggleCoast()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, coast, test.ShouldBeFalse)
	test.That(t, h.chassis.Corners[0].Neutral(), test.ShouldEqual, corner.NeutralBrake)

	test.That(t, h.dt.AdvanceHeadingLock(), test.ShouldEqual, headinglock.Forward)
	test.That(t, h.dt.AdvanceHeadingLock(), test.ShouldEqual, headinglock.Backward)
	h.dt.ResetHeadingLock()
	test.That(t, h.dt.HeadingLock(), test.ShouldEqual, headinglock.Free)
}

func TestTelemetry(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Modules = config.DefaultModules()
		cfg.Modules[kinematics.FrontRight].AngleOffsetDegrees = 30
	})
	h.cycles(t, 1)

	tel := h.dt.Telemetry()
	test.That(t, tel.AverageTempC, test.ShouldEqual, 25.0)
	test.That(t, tel.ModuleAngles[kinematics.FrontRight], test.ShouldAlmostEqual, 30, 1e-9)
	test.That(t, tel.ModuleStates[kinematics.FrontRight].Angle.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)

	m := tel.Map()
	test.That(t, m["balance"], test.ShouldEqual, "off")
	test.That(t, m["heading_lock"], test.ShouldEqual, "free")
	test.That(t, m["average_temperature_c"], test.ShouldEqual, 25.0)
	test.That(t, len(m["module_states"].([]interface{})), test.ShouldEqual, kinematics.NumModules)
}

func TestParseBalanceMode(t *testing.T) {
	for in, want := range map[string]BalanceMode{"off": BalanceOff, "Close": BalanceClose, "far": BalanceFar} {
		got, err := ParseBalanceMode(in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}
	_, err := ParseBalanceMode("sideways")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoop(t *testing.T) {
	h := newHarness(t, nil)
	loop := StartLoop(h.dt, 5*time.Millisecond, func(period time.Duration) {
		test.That(t, h.chassis.Step(period), test.ShouldBeNil)
	}, logging.NewTestLogger(t))
	defer loop.Close()

	test.That(t, loop.Do(func(dt *Drivetrain) error {
		return dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Forward: 2}})
	}), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		var x float64
		test.That(tb, loop.Do(func(dt *Drivetrain) error {
			x = dt.Pose().X
			return nil
		}), test.ShouldBeNil)
		test.That(tb, x, test.ShouldBeGreaterThan, 0.1)
	})
}

// hungGyro answers once and then never returns until cancelled.
type hungGyro struct {
	mu    sync.Mutex
	calls int
}

func (g *hungGyro) Orientation(ctx context.Context) (heading.Orientation, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		return heading.Orientation{}, nil
	}
	<-ctx.Done()
	return heading.Orientation{}, ctx.Err()
}

func TestLoopKeepsRunningWithHungGyro(t *testing.T) {
	cfg := &config.Config{Simulated: true}
	cfg.ApplyDefaults()
	chassis := sim.NewChassis(kinematics.New(cfg.Offsets()), cfg.CornerConstants(), false)
	poller := heading.NewPoller(&hungGyro{}, cfg.LoopPeriod(), cfg.FeedbackStale())
	defer poller.Close()

	logger := logging.NewTestLogger(t)
	dt, err := New(context.Background(), cfg, chassis.Hardware(), poller, logger)
	test.That(t, err, test.ShouldBeNil)
	loop := StartLoop(dt, cfg.LoopPeriod(), func(period time.Duration) {
		test.That(t, chassis.Step(period), test.ShouldBeNil)
	}, logger)
	defer loop.Close()

	test.That(t, loop.Do(func(dt *Drivetrain) error {
		return dt.SetCommand(Command{Velocity: kinematics.ChassisVelocity{Forward: 1}})
	}), test.ShouldBeNil)

	// Well past the stale limit the gyro is faulted but cycles still run and
	// commands are still served promptly.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		var tel Telemetry
		test.That(tb, loop.Do(func(dt *Drivetrain) error {
			tel = dt.Telemetry()
			return nil
		}), test.ShouldBeNil)
		test.That(tb, tel.GyroFaulted, test.ShouldBeTrue)
		test.That(tb, tel.Pose.X, test.ShouldBeGreaterThan, 0.1)
	})

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Do((*Drivetrain).Stop) }()
	select {
	case err := <-stopped:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind the gyro read")
	}
}
