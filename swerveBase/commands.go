package main

import (
	"context"
	"fmt"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/internal/drivetrain"
	"swerve/internal/odometry"
)

// DoCommand executes additional commands beyond the Base{} interface: heading
// lock, pose and gyro re-anchoring, coast/brake, balancing and telemetry.
func (b *swerveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}

	var resp map[string]interface{}
	err := b.loop.Do(func(dt *drivetrain.Drivetrain) error {
		switch name {
		case "advance_heading_lock":
			resp = map[string]interface{}{"heading_lock": dt.AdvanceHeadingLock().String()}

		case "reset_heading_lock":
			dt.ResetHeadingLock()
			resp = map[string]interface{}{"heading_lock": dt.HeadingLock().String()}

		case "reset_pose":
			x, err := floatArg(cmd, "x")
			if err != nil {
				return err
			}
			y, err := floatArg(cmd, "y")
			if err != nil {
				return err
			}
			theta, err := floatArg(cmd, "theta_degrees")
			if err != nil {
				return err
			}
			if err := dt.ResetPose(odometry.Pose{X: x, Y: y, Heading: s1.Angle(theta) * s1.Degree}); err != nil {
				return err
			}
			resp = map[string]interface{}{"return": "reset_pose command processed"}

		case "zero_gyro":
			if err := dt.ZeroGyro(); err != nil {
				return err
			}
			resp = map[string]interface{}{"return": "zero_gyro command processed"}

		case "set_gyro":
			degrees, err := floatArg(cmd, "degrees")
			if err != nil {
				return err
			}
			if err := dt.SetGyro(degrees); err != nil {
				return err
			}
			resp = map[string]interface{}{"return": fmt.Sprintf("set_gyro command processed: %f", degrees)}

		case "toggle_coast":
			coast, err := dt.ToggleCoast()
			if err != nil {
				return err
			}
			resp = map[string]interface{}{"coast": coast}

		case "set_balance":
			modeRaw, ok := cmd["mode"]
			if !ok {
				return errors.New("mode must be set, one of off|close|far")
			}
			modeName, ok := modeRaw.(string)
			if !ok {
				return errors.New("mode value must be a string")
			}
			mode, err := drivetrain.ParseBalanceMode(modeName)
			if err != nil {
				return err
			}
			b.cancelMove()
			if err := dt.SetBalance(mode); err != nil {
				return err
			}
			resp = map[string]interface{}{"balance": dt.BalanceMode().String()}

		case "balance_brake":
			b.cancelMove()
			if err := dt.BalanceBrake(); err != nil {
				return err
			}
			resp = map[string]interface{}{"return": "balance_brake command processed"}

		case "get_telemetry":
			resp = dt.Telemetry().Map()

		default:
			return fmt.Errorf("no such command: %s", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func floatArg(cmd map[string]interface{}, key string) (float64, error) {
	raw, ok := cmd[key]
	if !ok {
		return 0, errors.Errorf("%s must be set to a number", key)
	}
	value, ok := raw.(float64)
	if !ok {
		return 0, errors.Errorf("%s value must be a number but is type %T", key, raw)
	}
	return value, nil
}
