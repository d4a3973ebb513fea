// Package main runs the swerve drivetrain against simulated corners and gyro
// and logs the resulting pose.
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/internal/config"
	"swerve/internal/drivetrain"
	"swerve/internal/kinematics"
	"swerve/internal/sim"
)

const reportPeriod = 500 * time.Millisecond

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewLogger("swerveSim"))
}

type options struct {
	configPath    string
	duration      time.Duration
	forward       float64
	strafe        float64
	rotation      float64
	fieldRelative bool
	openLoop      bool
	balance       string
	pitch         float64
	roll          float64
}

func parseOptions(args []string) (options, error) {
	var opts options
	flags := pflag.NewFlagSet("swerveSim", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "drivetrain JSON config file; defaults are used when empty")
	flags.DurationVarP(&opts.duration, "duration", "d", 5*time.Second, "how long to drive")
	flags.Float64Var(&opts.forward, "forward", 0, "forward speed in m/s")
	flags.Float64Var(&opts.strafe, "strafe", 0, "leftward speed in m/s")
	flags.Float64Var(&opts.rotation, "rotation", 0, "counter-clockwise rotation in deg/s")
	flags.BoolVar(&opts.fieldRelative, "field-relative", false, "interpret forward and strafe in the field frame")
	flags.BoolVar(&opts.openLoop, "open-loop", false, "drive with percent output instead of velocity control")
	flags.StringVar(&opts.balance, "balance", "off", "balance mode: off, close or far")
	flags.Float64Var(&opts.pitch, "pitch", 0, "simulated platform pitch in degrees")
	flags.Float64Var(&opts.roll, "roll", 0, "simulated platform roll in degrees")

	if len(args) > 0 {
		args = args[1:]
	}
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg.ApplyDefaults()
	}
	cfg.Simulated = true
	cfg.MovementSensor = ""
	if _, err := cfg.Validate("swerveSim"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	mode, err := drivetrain.ParseBalanceMode(opts.balance)
	if err != nil {
		return err
	}

	chassis := sim.NewChassis(kinematics.New(cfg.Offsets()), cfg.CornerConstants(), cfg.InvertGyro)
	chassis.Gyro.SetTilt(opts.pitch, opts.roll)

	dt, err := drivetrain.New(ctx, cfg, chassis.Hardware(), chassis.Gyro, logger)
	if err != nil {
		return err
	}
	loop := drivetrain.StartLoop(dt, cfg.LoopPeriod(), func(period time.Duration) {
		if err := chassis.Step(period); err != nil {
			logger.Errorw("simulation step", "error", err)
		}
	}, logger)
	defer loop.Close()

	err = loop.Do(func(dt *drivetrain.Drivetrain) error {
		if mode != drivetrain.BalanceOff {
			return dt.SetBalance(mode)
		}
		return dt.SetCommand(drivetrain.Command{
			Velocity: kinematics.ChassisVelocity{
				Forward:  opts.forward,
				Strafe:   opts.strafe,
				Rotation: rdkutils.DegToRad(opts.rotation),
			},
			FieldRelative: opts.fieldRelative,
			OpenLoop:      opts.openLoop,
		})
	})
	if err != nil {
		return errors.Wrap(err, "starting drive")
	}

	deadline := time.Now().Add(opts.duration)
	for time.Now().Before(deadline) {
		if !goutils.SelectContextOrWait(ctx, reportPeriod) {
			break
		}
		report(loop, logger)
	}

	if err := loop.Do((*drivetrain.Drivetrain).Stop); err != nil {
		return err
	}
	report(loop, logger)
	return nil
}

func report(loop *drivetrain.Loop, logger logging.Logger) {
	var t drivetrain.Telemetry
	_ = loop.Do(func(dt *drivetrain.Drivetrain) error {
		t = dt.Telemetry()
		return nil
	})
	logger.Infow("drivetrain",
		"pose", t.Pose.String(),
		"heading_degrees", t.NominalHeadingDegrees,
		"motion_time", t.MotionTime,
		"balance", t.Balance.String(),
		"avg_temp_c", t.AverageTempC,
	)
}
