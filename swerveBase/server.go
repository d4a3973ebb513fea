// Package main is a Viam module serving a four-corner swerve drive base.
package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"go.uber.org/multierr"

	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/internal/bus"
	"swerve/internal/config"
	"swerve/internal/corner"
	"swerve/internal/drivetrain"
	"swerve/internal/heading"
	"swerve/internal/kinematics"
	"swerve/internal/sim"
)

var model = resource.NewModel("swerve", "drive", "swerve")

// Version number
var version = "1.0.0"

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewDebugLogger("swerveBaseModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	registerBase()
	swerveModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}
	if err := swerveModule.AddModelFromRegistry(ctx, base.API, model); err != nil {
		return err
	}

	err = swerveModule.Start(ctx)
	defer swerveModule.Close(ctx)

	if err != nil {
		return err
	}
	logger.Infow("swerve base module started", "version", version)
	<-ctx.Done()
	return nil
}

// helper function to add the base's constructor and metadata to the component registry, so that we can later construct it.
func registerBase() {
	resource.RegisterComponent(
		base.API,
		model,
		resource.Registration[base.Base, *config.Config]{Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			conf resource.Config,
			logger logging.Logger,
		) (base.Base, error) {
			return newBase(ctx, deps, conf, logger)
		}})
}

type swerveBase struct {
	resource.Named
	resource.AlwaysRebuild

	cfg        *config.Config
	geometries []spatialmath.Geometry
	logger     logging.Logger

	loop   *drivetrain.Loop
	closer func() error

	moveMu     sync.Mutex
	moveCancel func()
}

// newBase creates a base whose drivetrain runs in a fixed-period control
// loop, backed either by CAN corners or by a simulation.
func newBase(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (base.Base, error) {
	native, err := resource.NativeConfig[*config.Config](conf)
	if err != nil {
		return nil, err
	}
	cfg := *native
	cfg.ApplyDefaults()
	if _, err := cfg.Validate(conf.Name); err != nil {
		return nil, err
	}

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	var (
		hardware [kinematics.NumModules]corner.Hardware
		source   heading.Source
		before   func(time.Duration)
		closer   = func() error { return nil }
	)
	if cfg.Simulated {
		chassis := sim.NewChassis(kinematics.New(cfg.Offsets()), cfg.CornerConstants(), cfg.InvertGyro)
		hardware = chassis.Hardware()
		source = chassis.Gyro
		before = func(dt time.Duration) {
			if err := chassis.Step(dt); err != nil {
				logger.Errorw("simulation step", "error", err)
			}
		}
	} else {
		ids := cfg.CornerIDs()
		canBus, err := bus.Open(cfg.CANChannel, bus.StatusIDs(ids), logger)
		if err != nil {
			return nil, err
		}
		for i := range hardware {
			hardware[i] = bus.NewCorner(canBus, ids[i], cfg.FeedbackStale())
		}
		closer = canBus.Close
	}
	if cfg.MovementSensor != "" {
		ms, err := movementsensor.FromDependencies(deps, cfg.MovementSensor)
		if err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "no movement_sensor named %q", cfg.MovementSensor), closer())
		}
		poller := heading.NewPoller(newMovementSensorSource(ms), cfg.LoopPeriod(), cfg.FeedbackStale())
		source = poller
		closeHardware := closer
		closer = func() error {
			poller.Close()
			return closeHardware()
		}
	}

	dt, err := drivetrain.New(ctx, &cfg, hardware, source, logger)
	if err != nil {
		return nil, multierr.Combine(err, closer())
	}

	return &swerveBase{
		Named:      conf.ResourceName().AsNamed(),
		cfg:        &cfg,
		geometries: geometries,
		logger:     logger,
		loop:       drivetrain.StartLoop(dt, cfg.LoopPeriod(), before, logger),
		closer:     closer,
	}, nil
}

// startMove cancels any running MoveStraight or Spin and returns a context
// that the next one is cancelled through.
func (b *swerveBase) startMove(ctx context.Context) (context.Context, func()) {
	b.moveMu.Lock()
	defer b.moveMu.Unlock()
	if b.moveCancel != nil {
		b.moveCancel()
	}
	moveCtx, cancel := context.WithCancel(ctx)
	b.moveCancel = cancel
	return moveCtx, cancel
}

func (b *swerveBase) cancelMove() {
	b.moveMu.Lock()
	defer b.moveMu.Unlock()
	if b.moveCancel != nil {
		b.moveCancel()
		b.moveCancel = nil
	}
}

func (b *swerveBase) setCommand(cmd drivetrain.Command) error {
	return b.loop.Do(func(dt *drivetrain.Drivetrain) error {
		return dt.SetCommand(cmd)
	})
}

func (b *swerveBase) warnUnused(linear, angular r3.Vector) {
	// Some vector components do not apply to a 2D base
	if linear.Z != 0 {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if angular.Y != 0 {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

// MoveStraight drives forward, or backward for a negative distance or speed,
// until odometry reports the distance covered.
func (b *swerveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	speed := math.Abs(mmPerSec) / 1000
	if (distanceMm < 0) != (mmPerSec < 0) {
		speed = -speed
	}
	target := math.Abs(float64(distanceMm)) / 1000

	return b.moveUntil(ctx, kinematics.ChassisVelocity{Forward: speed}, func(start, now drivetrain.Telemetry) bool {
		return math.Hypot(now.Pose.X-start.Pose.X, now.Pose.Y-start.Pose.Y) >= target
	})
}

// Spin turns in place by angleDeg, counter-clockwise positive, until odometry
// reports the heading change.
func (b *swerveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return b.Stop(ctx, extra)
	}
	rate := rdkutils.DegToRad(math.Abs(degsPerSec))
	if (angleDeg < 0) != (degsPerSec < 0) {
		rate = -rate
	}
	target := math.Abs(angleDeg)

	return b.moveUntil(ctx, kinematics.ChassisVelocity{Rotation: rate}, func(start, now drivetrain.Telemetry) bool {
		return math.Abs((now.Pose.Heading - start.Pose.Heading).Degrees()) >= target
	})
}

func (b *swerveBase) moveUntil(
	ctx context.Context,
	v kinematics.ChassisVelocity,
	done func(start, now drivetrain.Telemetry) bool,
) error {
	moveCtx, cancel := b.startMove(ctx)
	defer cancel()

	var start drivetrain.Telemetry
	err := b.loop.Do(func(dt *drivetrain.Drivetrain) error {
		start = dt.Telemetry()
		if err := dt.SetBalance(drivetrain.BalanceOff); err != nil {
			return err
		}
		return dt.SetCommand(drivetrain.Command{Velocity: v})
	})
	if err != nil {
		return err
	}

	for {
		if !goutils.SelectContextOrWait(moveCtx, b.cfg.LoopPeriod()) {
			if ctx.Err() != nil {
				return multierr.Combine(ctx.Err(), b.loop.Do((*drivetrain.Drivetrain).Stop))
			}
			// Superseded by another command.
			return nil
		}
		var now drivetrain.Telemetry
		if err := b.loop.Do(func(dt *drivetrain.Drivetrain) error {
			now = dt.Telemetry()
			return nil
		}); err != nil {
			return err
		}
		if done(start, now) {
			return b.loop.Do(func(dt *drivetrain.Drivetrain) error {
				if moveCtx.Err() != nil {
					return nil
				}
				return dt.Stop()
			})
		}
	}
}

// SetPower sets the linear and angular [-1, 1] drive power. Linear Y drives
// forward, linear X strafes right and angular Z turns counter-clockwise.
// Power is applied open loop.
func (b *swerveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnused(linear, angular)
	b.cancelMove()

	clamp := func(x float64) float64 { return math.Max(-1, math.Min(1, x)) }
	maxSpeed := b.cfg.MaxSpeedMPS
	return b.setCommand(drivetrain.Command{
		Velocity: kinematics.ChassisVelocity{
			Forward:  clamp(linear.Y) * maxSpeed,
			Strafe:   -clamp(linear.X) * maxSpeed,
			Rotation: clamp(angular.Z) * b.cfg.MaxRotationRate(),
		},
		FieldRelative: fieldRelative(extra),
		OpenLoop:      true,
	})
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity,
// closed loop. Set extra["field_relative"] to interpret linear in the field
// frame.
func (b *swerveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnused(linear, angular)
	b.cancelMove()

	return b.setCommand(drivetrain.Command{
		Velocity: kinematics.ChassisVelocity{
			Forward:  linear.Y / 1000,
			Strafe:   -linear.X / 1000,
			Rotation: rdkutils.DegToRad(angular.Z),
		},
		FieldRelative: fieldRelative(extra),
	})
}

func fieldRelative(extra map[string]interface{}) bool {
	v, ok := extra["field_relative"].(bool)
	return ok && v
}

// Stop stops the base and leaves any balance mode.
func (b *swerveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.cancelMove()
	return b.loop.Do((*drivetrain.Drivetrain).Stop)
}

func (b *swerveBase) IsMoving(ctx context.Context) (bool, error) {
	var moving bool
	err := b.loop.Do(func(dt *drivetrain.Drivetrain) error {
		moving = dt.IsMoving()
		return nil
	})
	return moving, err
}

func (b *swerveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              b.cfg.TrackwidthMeters,
		TurningRadiusMeters:      0,
		WheelCircumferenceMeters: b.cfg.WheelCircumferenceMeters,
	}, nil
}

func (b *swerveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

// Close cleanly closes the base.
func (b *swerveBase) Close(ctx context.Context) error {
	b.cancelMove()
	err := b.loop.Do((*drivetrain.Drivetrain).Stop)
	// Let the publish thread send the stop before the bus closes.
	goutils.SelectContextOrWait(ctx, b.cfg.LoopPeriod())
	b.loop.Close()
	return multierr.Combine(err, b.closer())
}
