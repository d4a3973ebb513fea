package bus

import (
	"github.com/go-daq/canbus"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/internal/corner"
)

// statusOffset is added to a command ID to get the ID its actuator reports on.
const statusOffset = 0x10

const (
	angleScale       = 0.0078125
	percentScale     = 1e-4
	velocityScale    = 1e-3
	distanceScale    = 1e-3
	temperatureScale = 0.5
	temperatureBase  = -40
	steerEnable      = 0x1
)

var (
	signalDrivePercent  = Signal{Scale: percentScale, Start: 8, Length: 16, LittleEndian: true, Signed: true}
	signalDriveVelocity = Signal{Scale: velocityScale, Start: 8, Length: 16, LittleEndian: true, Signed: true}
	signalSteerAngle    = Signal{Scale: angleScale, Start: 8, Length: 16, LittleEndian: true, Signed: true}

	signalDriveDistance = Signal{Scale: distanceScale, Start: 0, Length: 32, LittleEndian: true, Signed: true}
	signalDriveSpeed    = Signal{Scale: velocityScale, Start: 32, Length: 16, LittleEndian: true, Signed: true}
	signalDriveTemp     = Signal{Scale: temperatureScale, Offset: temperatureBase, Start: 48, Length: 8, LittleEndian: true}
	signalDriveFault    = Signal{Scale: 1, Start: 56, Length: 8, LittleEndian: true}

	signalSteerPosition = Signal{Scale: angleScale, Start: 0, Length: 16, LittleEndian: true, Signed: true}
	signalSteerTemp     = Signal{Scale: temperatureScale, Offset: temperatureBase, Start: 16, Length: 8, LittleEndian: true}
	signalSteerFault    = Signal{Scale: 1, Start: 24, Length: 8, LittleEndian: true}
)

type command interface {
	toFrame() (canbus.Frame, error)
}

type driveCommand struct {
	id       uint32
	mode     corner.DriveMode
	neutral  corner.NeutralMode
	setpoint float64
}

// toFrame converts a drive command to a CAN frame.
func (cmd *driveCommand) toFrame() (canbus.Frame, error) {
	frame := canbus.Frame{
		ID:   cmd.id,
		Data: make([]byte, 3),
		Kind: canbus.SFF,
	}
	frame.Data[0] = byte(cmd.mode) | byte(cmd.neutral)<<4

	signal := signalDrivePercent
	if cmd.mode == corner.DriveVelocity {
		signal = signalDriveVelocity
	}
	if err := signal.Insert(frame.Data, cmd.setpoint); err != nil {
		return canbus.Frame{}, errors.Wrapf(err, "drive command 0x%03x", cmd.id)
	}
	return frame, nil
}

type steerCommand struct {
	id    uint32
	angle s1.Angle
}

// toFrame converts a steering command to a CAN frame. The angle is sent
// normalized to (-180, 180] degrees.
func (cmd *steerCommand) toFrame() (canbus.Frame, error) {
	frame := canbus.Frame{
		ID:   cmd.id,
		Data: make([]byte, 3),
		Kind: canbus.SFF,
	}
	frame.Data[0] = steerEnable
	if err := signalSteerAngle.Insert(frame.Data, cmd.angle.Normalized().Degrees()); err != nil {
		return canbus.Frame{}, errors.Wrapf(err, "steer command 0x%03x", cmd.id)
	}
	return frame, nil
}

type driveStatus struct {
	distance    float64
	velocity    float64
	temperature float64
	fault       uint8
}

func decodeDriveStatus(frame canbus.Frame) (driveStatus, error) {
	var status driveStatus
	var fault float64
	for _, field := range []struct {
		signal Signal
		dst    *float64
	}{
		{signalDriveDistance, &status.distance},
		{signalDriveSpeed, &status.velocity},
		{signalDriveTemp, &status.temperature},
		{signalDriveFault, &fault},
	} {
		value, err := field.signal.Extract(frame.Data)
		if err != nil {
			return driveStatus{}, errors.Wrapf(err, "drive status 0x%03x", frame.ID)
		}
		*field.dst = value
	}
	status.fault = uint8(fault)
	return status, nil
}

type steerStatus struct {
	angle       s1.Angle
	temperature float64
	fault       uint8
}

func decodeSteerStatus(frame canbus.Frame) (steerStatus, error) {
	var status steerStatus
	var degrees, fault float64
	for _, field := range []struct {
		signal Signal
		dst    *float64
	}{
		{signalSteerPosition, &degrees},
		{signalSteerTemp, &status.temperature},
		{signalSteerFault, &fault},
	} {
		value, err := field.signal.Extract(frame.Data)
		if err != nil {
			return steerStatus{}, errors.Wrapf(err, "steer status 0x%03x", frame.ID)
		}
		*field.dst = value
	}
	status.angle = s1.Angle(degrees) * s1.Degree
	status.fault = uint8(fault)
	return status, nil
}
