package bus

import (
	"sync"
	"time"

	"github.com/go-daq/canbus"
	"github.com/golang/geo/s1"
	"github.com/pkg/errors"

	"swerve/internal/corner"
)

// ErrActuatorFault is returned when an actuator reports non-zero fault flags.
var ErrActuatorFault = errors.New("actuator reports fault")

// CornerIDs are the command IDs of one corner's two actuators.
type CornerIDs struct {
	Drive uint32
	Steer uint32
}

// StatusIDs returns the IDs the given corners report status on.
func StatusIDs(corners []CornerIDs) []uint32 {
	ids := make([]uint32, 0, 2*len(corners))
	for _, c := range corners {
		ids = append(ids, c.Drive+statusOffset, c.Steer+statusOffset)
	}
	return ids
}

// Corner is corner.Hardware backed by a Bus.
type Corner struct {
	bus        *Bus
	ids        CornerIDs
	staleAfter time.Duration

	mu    sync.Mutex
	drive driveCommand
}

var _ corner.Hardware = (*Corner)(nil)

// NewCorner returns hardware for the corner with the given IDs. Status older
// than staleAfter is reported as corner.ErrStaleFeedback.
func NewCorner(bus *Bus, ids CornerIDs, staleAfter time.Duration) *Corner {
	return &Corner{
		bus:        bus,
		ids:        ids,
		staleAfter: staleAfter,
		drive:      driveCommand{id: ids.Drive},
	}
}

// SetDrive implements corner.Hardware.
func (c *Corner) SetDrive(mode corner.DriveMode, setpoint float64) error {
	c.mu.Lock()
	c.drive.mode = mode
	c.drive.setpoint = setpoint
	cmd := c.drive
	c.mu.Unlock()
	return c.send(&cmd)
}

// SetNeutral implements corner.Hardware. The current drive setpoint is re-sent
// with the new neutral mode.
func (c *Corner) SetNeutral(mode corner.NeutralMode) error {
	c.mu.Lock()
	c.drive.neutral = mode
	cmd := c.drive
	c.mu.Unlock()
	return c.send(&cmd)
}

// SetSteer implements corner.Hardware.
func (c *Corner) SetSteer(angle s1.Angle) error {
	return c.send(&steerCommand{id: c.ids.Steer, angle: angle})
}

func (c *Corner) send(cmd command) error {
	frame, err := cmd.toFrame()
	if err != nil {
		return err
	}
	return c.bus.Send(frame)
}

// Feedback implements corner.Hardware from the latest status frames of both
// actuators.
func (c *Corner) Feedback() (corner.Feedback, error) {
	driveFrame, err := c.status(c.ids.Drive)
	if err != nil {
		return corner.Feedback{}, err
	}
	steerFrame, err := c.status(c.ids.Steer)
	if err != nil {
		return corner.Feedback{}, err
	}

	drive, err := decodeDriveStatus(driveFrame)
	if err != nil {
		return corner.Feedback{}, err
	}
	steer, err := decodeSteerStatus(steerFrame)
	if err != nil {
		return corner.Feedback{}, err
	}
	if drive.fault != 0 {
		return corner.Feedback{}, errors.Wrapf(ErrActuatorFault, "drive 0x%03x flags 0x%02x", c.ids.Drive, drive.fault)
	}
	if steer.fault != 0 {
		return corner.Feedback{}, errors.Wrapf(ErrActuatorFault, "steer 0x%03x flags 0x%02x", c.ids.Steer, steer.fault)
	}

	return corner.Feedback{
		Distance:   drive.distance,
		Velocity:   drive.velocity,
		Angle:      steer.angle,
		DriveTempC: drive.temperature,
		SteerTempC: steer.temperature,
	}, nil
}

func (c *Corner) status(commandID uint32) (canbus.Frame, error) {
	id := commandID + statusOffset
	frame, at, ok := c.bus.Latest(id)
	if !ok {
		return canbus.Frame{}, errors.Wrapf(corner.ErrNoFeedback, "status 0x%03x", id)
	}
	if age := c.bus.now().Sub(at); age > c.staleAfter {
		return canbus.Frame{}, errors.Wrapf(corner.ErrStaleFeedback, "status 0x%03x is %v old", id, age)
	}
	return frame, nil
}
