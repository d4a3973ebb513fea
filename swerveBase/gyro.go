package main

import (
	"context"

	"go.viam.com/rdk/components/movementsensor"
	rdkutils "go.viam.com/rdk/utils"

	"swerve/internal/heading"
)

// movementSensorSource reads orientation from a Viam movement sensor. The
// sensor's yaw wraps, so it is unwrapped into an accumulated yaw.
type movementSensorSource struct {
	ms     movementsensor.MovementSensor
	unwrap heading.Unwrapper
}

func newMovementSensorSource(ms movementsensor.MovementSensor) *movementSensorSource {
	return &movementSensorSource{ms: ms}
}

// Orientation implements heading.Source. The read goes to the sensor and may
// block, so the base only reads it through a heading.Poller.
func (s *movementSensorSource) Orientation(ctx context.Context) (heading.Orientation, error) {
	o, err := s.ms.Orientation(ctx, nil)
	if err != nil {
		return heading.Orientation{}, err
	}
	euler := o.EulerAngles()
	return heading.Orientation{
		Yaw:   s.unwrap.Unwrap(rdkutils.RadToDeg(euler.Yaw)),
		Pitch: rdkutils.RadToDeg(euler.Pitch),
		Roll:  rdkutils.RadToDeg(euler.Roll),
	}, nil
}
