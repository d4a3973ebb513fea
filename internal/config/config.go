// Package config describes a swerve drivetrain: its geometry, its corners'
// CAN IDs and calibration, and its control loop tuning.
package config

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.viam.com/utils"

	"swerve/internal/balance"
	"swerve/internal/bus"
	"swerve/internal/corner"
	"swerve/internal/kinematics"
)

// Defaults.
const (
	DefaultCANChannel             = "can0"
	DefaultMaxSpeedMPS            = 4.5
	DefaultWheelbaseMeters        = 0.55
	DefaultTrackwidthMeters       = 0.55
	DefaultWheelCircumference     = 0.1016 * math.Pi
	DefaultLoopPeriodMs           = 20
	DefaultFeedbackStaleMs        = 100
	DefaultRuntimeThresholdMeters = 0.05

	DefaultBalanceKP                 = 0.06
	DefaultBalanceKF                 = 0.02
	DefaultBalanceSpeedReductionMPS  = 4
	DefaultBalanceDeadbandDegrees    = 6
	DefaultBalanceCloseCenterDegrees = 2.25
	DefaultBalanceFarCenterDegrees   = 3.5
)

// ModuleConfig is one corner, in kinematics corner order.
type ModuleConfig struct {
	DriveCANID         uint32  `json:"drive_can_id" mapstructure:"drive_can_id"`
	SteerCANID         uint32  `json:"steer_can_id" mapstructure:"steer_can_id"`
	AngleOffsetDegrees float64 `json:"angle_offset_degrees" mapstructure:"angle_offset_degrees"`
	DriveInverted      bool    `json:"drive_inverted" mapstructure:"drive_inverted"`
}

// BalanceConfig tunes the platform balance controller.
type BalanceConfig struct {
	KP                 float64 `json:"kp,omitempty" mapstructure:"kp"`
	KF                 float64 `json:"kf,omitempty" mapstructure:"kf"`
	SpeedReductionMPS  float64 `json:"speed_reduction_mps,omitempty" mapstructure:"speed_reduction_mps"`
	DeadbandDegrees    float64 `json:"deadband_degrees,omitempty" mapstructure:"deadband_degrees"`
	CloseCenterDegrees float64 `json:"close_center_degrees,omitempty" mapstructure:"close_center_degrees"`
	FarCenterDegrees   float64 `json:"far_center_degrees,omitempty" mapstructure:"far_center_degrees"`
}

// Config is the drivetrain configuration. Zero values are replaced by
// defaults in ApplyDefaults.
type Config struct {
	CANChannel     string `json:"can_channel,omitempty" mapstructure:"can_channel"`
	MovementSensor string `json:"movement_sensor,omitempty" mapstructure:"movement_sensor"`
	Simulated      bool   `json:"simulated,omitempty" mapstructure:"simulated"`
	InvertGyro     bool   `json:"invert_gyro,omitempty" mapstructure:"invert_gyro"`

	MaxSpeedMPS              float64 `json:"max_speed_mps,omitempty" mapstructure:"max_speed_mps"`
	WheelbaseMeters          float64 `json:"wheelbase_meters,omitempty" mapstructure:"wheelbase_meters"`
	TrackwidthMeters         float64 `json:"trackwidth_meters,omitempty" mapstructure:"trackwidth_meters"`
	WheelCircumferenceMeters float64 `json:"wheel_circumference_meters,omitempty" mapstructure:"wheel_circumference_meters"`

	Modules []ModuleConfig `json:"modules,omitempty" mapstructure:"modules"`

	LoopPeriodMs           int     `json:"loop_period_ms,omitempty" mapstructure:"loop_period_ms"`
	FeedbackStaleMs        int     `json:"feedback_stale_ms,omitempty" mapstructure:"feedback_stale_ms"`
	RuntimePeriodMs        int     `json:"runtime_period_ms,omitempty" mapstructure:"runtime_period_ms"`
	RuntimeThresholdMeters float64 `json:"runtime_threshold_meters,omitempty" mapstructure:"runtime_threshold_meters"`
	PoseBoundMeters        float64 `json:"pose_bound_meters,omitempty" mapstructure:"pose_bound_meters"`

	Balance BalanceConfig `json:"balance,omitempty" mapstructure:"balance"`
}

// DefaultModules returns the factory CAN IDs: drive 0x101-0x104 and steer
// 0x201-0x204, front left first.
func DefaultModules() []ModuleConfig {
	modules := make([]ModuleConfig, kinematics.NumModules)
	for i := range modules {
		modules[i] = ModuleConfig{DriveCANID: 0x101 + uint32(i), SteerCANID: 0x201 + uint32(i)}
	}
	return modules
}

// ApplyDefaults fills every unset field.
func (cfg *Config) ApplyDefaults() {
	setString(&cfg.CANChannel, DefaultCANChannel)
	setFloat(&cfg.MaxSpeedMPS, DefaultMaxSpeedMPS)
	setFloat(&cfg.WheelbaseMeters, DefaultWheelbaseMeters)
	setFloat(&cfg.TrackwidthMeters, DefaultTrackwidthMeters)
	setFloat(&cfg.WheelCircumferenceMeters, DefaultWheelCircumference)
	setInt(&cfg.LoopPeriodMs, DefaultLoopPeriodMs)
	setInt(&cfg.FeedbackStaleMs, DefaultFeedbackStaleMs)
	// Motion time is credited once per control cycle.
	setInt(&cfg.RuntimePeriodMs, cfg.LoopPeriodMs)
	setFloat(&cfg.RuntimeThresholdMeters, DefaultRuntimeThresholdMeters)

	setFloat(&cfg.Balance.KP, DefaultBalanceKP)
	setFloat(&cfg.Balance.KF, DefaultBalanceKF)
	setFloat(&cfg.Balance.SpeedReductionMPS, DefaultBalanceSpeedReductionMPS)
	setFloat(&cfg.Balance.DeadbandDegrees, DefaultBalanceDeadbandDegrees)
	setFloat(&cfg.Balance.CloseCenterDegrees, DefaultBalanceCloseCenterDegrees)
	setFloat(&cfg.Balance.FarCenterDegrees, DefaultBalanceFarCenterDegrees)

	if len(cfg.Modules) == 0 {
		cfg.Modules = DefaultModules()
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Validate checks the configuration and returns the names of the resources it
// depends on.
func (cfg *Config) Validate(path string) ([]string, error) {
	var deps []string
	if cfg.MovementSensor != "" {
		deps = append(deps, cfg.MovementSensor)
	} else if !cfg.Simulated {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "movement_sensor")
	}

	for name, value := range map[string]float64{
		"max_speed_mps":              cfg.MaxSpeedMPS,
		"wheelbase_meters":           cfg.WheelbaseMeters,
		"trackwidth_meters":          cfg.TrackwidthMeters,
		"wheel_circumference_meters": cfg.WheelCircumferenceMeters,
		"runtime_threshold_meters":   cfg.RuntimeThresholdMeters,
		"pose_bound_meters":          cfg.PoseBoundMeters,
	} {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, utils.NewConfigValidationError(path, errors.Errorf("%s must be a non-negative number, got %v", name, value))
		}
	}
	for name, value := range map[string]int{
		"loop_period_ms":    cfg.LoopPeriodMs,
		"feedback_stale_ms": cfg.FeedbackStaleMs,
		"runtime_period_ms": cfg.RuntimePeriodMs,
	} {
		if value < 0 {
			return nil, utils.NewConfigValidationError(path, errors.Errorf("%s must not be negative, got %d", name, value))
		}
	}

	if n := len(cfg.Modules); n != 0 && n != kinematics.NumModules {
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("modules must list %d corners (front left, front right, back left, back right), got %d",
				kinematics.NumModules, n))
	}
	seen := map[uint32]int{}
	for i, m := range cfg.Modules {
		for _, id := range []uint32{m.DriveCANID, m.SteerCANID} {
			if id == 0 || id > 0x7FF-0x10 {
				return nil, utils.NewConfigValidationError(path,
					errors.Errorf("modules[%d]: CAN ID 0x%x outside 0x001-0x7ef", i, id))
			}
			if other, ok := seen[id]; ok {
				return nil, utils.NewConfigValidationError(path,
					errors.Errorf("modules[%d]: CAN ID 0x%x already used by modules[%d]", i, id, other))
			}
			seen[id] = i
		}
	}
	// Status frames arrive on command ID + 0x10 and local sockets see each
	// other's frames, so no command may sit on another corner's status ID.
	for i, m := range cfg.Modules {
		for _, id := range []uint32{m.DriveCANID, m.SteerCANID} {
			if other, ok := seen[id-0x10]; ok && id > 0x10 {
				return nil, utils.NewConfigValidationError(path,
					errors.Errorf("modules[%d]: CAN ID 0x%x is the status ID of modules[%d] command 0x%x", i, id, other, id-0x10))
			}
		}
	}

	maxSpeed := cfg.MaxSpeedMPS
	if maxSpeed == 0 {
		maxSpeed = DefaultMaxSpeedMPS
	}
	reduction := cfg.Balance.SpeedReductionMPS
	if reduction == 0 {
		reduction = DefaultBalanceSpeedReductionMPS
	}
	if reduction >= maxSpeed {
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("balance.speed_reduction_mps (%v) must be below max_speed_mps (%v)", reduction, maxSpeed))
	}
	return deps, nil
}

// Load reads a JSON configuration file. Unset fields get their defaults; the
// result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("can_channel", DefaultCANChannel)
	v.SetDefault("max_speed_mps", DefaultMaxSpeedMPS)
	v.SetDefault("wheelbase_meters", DefaultWheelbaseMeters)
	v.SetDefault("trackwidth_meters", DefaultTrackwidthMeters)
	v.SetDefault("wheel_circumference_meters", DefaultWheelCircumference)
	v.SetDefault("loop_period_ms", DefaultLoopPeriodMs)
	v.SetDefault("feedback_stale_ms", DefaultFeedbackStaleMs)
	v.SetDefault("runtime_threshold_meters", DefaultRuntimeThresholdMeters)
	v.SetDefault("balance.kp", DefaultBalanceKP)
	v.SetDefault("balance.kf", DefaultBalanceKF)
	v.SetDefault("balance.speed_reduction_mps", DefaultBalanceSpeedReductionMPS)
	v.SetDefault("balance.deadband_degrees", DefaultBalanceDeadbandDegrees)
	v.SetDefault("balance.close_center_degrees", DefaultBalanceCloseCenterDegrees)
	v.SetDefault("balance.far_center_degrees", DefaultBalanceFarCenterDegrees)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", path)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Offsets returns the corner offsets from the chassis center.
func (cfg *Config) Offsets() [kinematics.NumModules]r2.Point {
	return kinematics.Rectangular(cfg.WheelbaseMeters, cfg.TrackwidthMeters)
}

// CornerConstants returns the calibration of every corner.
func (cfg *Config) CornerConstants() [kinematics.NumModules]corner.Constants {
	var constants [kinematics.NumModules]corner.Constants
	for i, m := range cfg.Modules {
		if i >= kinematics.NumModules {
			break
		}
		constants[i] = corner.Constants{
			AngleOffset:   s1.Angle(m.AngleOffsetDegrees) * s1.Degree,
			DriveInverted: m.DriveInverted,
			MaxSpeed:      cfg.MaxSpeedMPS,
		}
	}
	return constants
}

// CornerIDs returns the CAN IDs of every corner.
func (cfg *Config) CornerIDs() []bus.CornerIDs {
	ids := make([]bus.CornerIDs, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		ids = append(ids, bus.CornerIDs{Drive: m.DriveCANID, Steer: m.SteerCANID})
	}
	return ids
}

// MaxRotationRate is the fastest the chassis can spin in place, in rad/s.
func (cfg *Config) MaxRotationRate() float64 {
	radius := math.Hypot(cfg.WheelbaseMeters/2, cfg.TrackwidthMeters/2)
	if radius == 0 {
		return 0
	}
	return cfg.MaxSpeedMPS / radius
}

// BalanceClose returns the near-side balance scenario.
func (cfg *Config) BalanceClose() balance.Config {
	c := balance.Close(cfg.Balance.KP, cfg.Balance.KF, cfg.balanceSpeedCap(), cfg.Balance.DeadbandDegrees)
	c.Center = cfg.Balance.CloseCenterDegrees
	return c
}

// BalanceFar returns the far-side balance scenario.
func (cfg *Config) BalanceFar() balance.Config {
	c := balance.Far(cfg.Balance.KP, cfg.Balance.KF, cfg.balanceSpeedCap(), cfg.Balance.DeadbandDegrees)
	c.Center = cfg.Balance.FarCenterDegrees
	return c
}

func (cfg *Config) balanceSpeedCap() float64 {
	return cfg.MaxSpeedMPS - cfg.Balance.SpeedReductionMPS
}

// LoopPeriod returns the control loop period.
func (cfg *Config) LoopPeriod() time.Duration {
	return time.Duration(cfg.LoopPeriodMs) * time.Millisecond
}

// FeedbackStale returns the age after which corner status is stale.
func (cfg *Config) FeedbackStale() time.Duration {
	return time.Duration(cfg.FeedbackStaleMs) * time.Millisecond
}

// RuntimePeriod returns the time credited per moving runtime sample.
func (cfg *Config) RuntimePeriod() time.Duration {
	return time.Duration(cfg.RuntimePeriodMs) * time.Millisecond
}
