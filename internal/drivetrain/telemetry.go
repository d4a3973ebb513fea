package drivetrain

import (
	"time"

	"swerve/internal/headinglock"
	"swerve/internal/kinematics"
	"swerve/internal/odometry"
)

// Telemetry is a read-only snapshot published once per cycle.
type Telemetry struct {
	// ModuleAngles are the raw absolute encoder angles in degrees.
	ModuleAngles          [kinematics.NumModules]float64
	ModuleStates          [kinematics.NumModules]kinematics.ModuleState
	Pose                  odometry.Pose
	HeadingDegrees        float64
	NominalHeadingDegrees float64
	PitchDegrees          float64
	RollDegrees           float64
	// AverageTempC is the mean over all eight actuators.
	AverageTempC   float64
	MotionTime     time.Duration
	HeadingLock    headinglock.State
	Balance        BalanceMode
	Coast          bool
	GyroFaulted    bool
	FaultedModules []int
}

// Telemetry returns the snapshot of the last cycle.
func (d *Drivetrain) Telemetry() Telemetry {
	t := Telemetry{
		ModuleStates:          d.States(),
		Pose:                  d.odometry.Pose(),
		HeadingDegrees:        d.gyro.Yaw().Degrees(),
		NominalHeadingDegrees: d.gyro.NominalYaw(),
		PitchDegrees:          d.gyro.Pitch(),
		RollDegrees:           d.gyro.Roll(),
		AverageTempC:          d.avgTemp,
		MotionTime:            d.runtime.Total(),
		HeadingLock:           d.lock.State(),
		Balance:               d.balanceMode,
		Coast:                 d.coast,
		GyroFaulted:           d.gyro.Faulted(),
		FaultedModules:        d.status.FaultedModules(),
	}
	for i, m := range d.modules {
		t.ModuleAngles[i] = m.AbsoluteAngle().Degrees()
	}
	return t
}

// Map flattens the snapshot into DoCommand-friendly values.
func (t Telemetry) Map() map[string]interface{} {
	angles := make([]interface{}, 0, kinematics.NumModules)
	states := make([]interface{}, 0, kinematics.NumModules)
	for i := range t.ModuleStates {
		angles = append(angles, t.ModuleAngles[i])
		states = append(states, map[string]interface{}{
			"angle_degrees": t.ModuleStates[i].Angle.Degrees(),
			"speed_mps":     t.ModuleStates[i].Speed,
		})
	}
	faulted := make([]interface{}, 0, len(t.FaultedModules))
	for _, i := range t.FaultedModules {
		faulted = append(faulted, i)
	}
	return map[string]interface{}{
		"module_angles_degrees":   angles,
		"module_states":           states,
		"pose_x_meters":           t.Pose.X,
		"pose_y_meters":           t.Pose.Y,
		"pose_theta_degrees":      t.Pose.Heading.Degrees(),
		"heading_degrees":         t.HeadingDegrees,
		"nominal_heading_degrees": t.NominalHeadingDegrees,
		"pitch_degrees":           t.PitchDegrees,
		"roll_degrees":            t.RollDegrees,
		"average_temperature_c":   t.AverageTempC,
		"motion_time_seconds":     t.MotionTime.Seconds(),
		"heading_lock":            t.HeadingLock.String(),
		"balance":                 t.Balance.String(),
		"coast":                   t.Coast,
		"gyro_faulted":            t.GyroFaulted,
		"faulted_modules":         faulted,
	}
}
