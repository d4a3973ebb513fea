// Package heading samples the drivetrain's orientation sensor once per
// control cycle and exposes it in the convention used by the rest of the
// drivetrain.
package heading

import (
	"context"
	"math"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ErrInvalidSample is returned when a sensor reports non-finite angles.
var ErrInvalidSample = errors.New("orientation sample contains non-finite values")

// Orientation is one sensor sample in degrees. Yaw is not wrapped: it keeps
// accumulating across full rotations.
type Orientation struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// Source is the orientation sensor. Orientation must return the latest sample
// without waiting for a new one; wrap a sensor whose reads block in a Poller.
type Source interface {
	Orientation(ctx context.Context) (Orientation, error)
}

// Provider holds the sample taken for the current cycle. All reads during a
// cycle observe that same sample.
type Provider struct {
	source Source
	invert bool
	logger logging.Logger

	sample    Orientation
	yawOffset float64
	faulted   bool
}

// NewProvider returns a provider reading from source. When invert is set the
// yaw is reported as 360 - yaw to account for a sensor mounted upside down.
func NewProvider(source Source, invert bool, logger logging.Logger) *Provider {
	return &Provider{source: source, invert: invert, logger: logger}
}

// Sample reads the sensor once. On failure the previous sample is kept and
// the error is returned; entering and leaving the fault is logged once each.
func (p *Provider) Sample(ctx context.Context) error {
	o, err := p.source.Orientation(ctx)
	if err == nil && !o.finite() {
		err = ErrInvalidSample
	}
	if err != nil {
		if !p.faulted {
			p.faulted = true
			p.logger.Warnw("gyro fault, holding last orientation", "error", err)
		}
		return errors.Wrap(err, "gyro")
	}
	if p.faulted {
		p.faulted = false
		p.logger.Infow("gyro recovered")
	}
	p.sample = o
	return nil
}

// Faulted reports whether the last Sample failed.
func (p *Provider) Faulted() bool { return p.faulted }

// SetYaw re-zeroes the sensor so that its current raw yaw reads degrees.
func (p *Provider) SetYaw(degrees float64) {
	p.yawOffset = degrees - p.sample.Yaw
}

// Zero is SetYaw(0).
func (p *Provider) Zero() { p.SetYaw(0) }

func (p *Provider) rawYaw() float64 {
	return p.sample.Yaw + p.yawOffset
}

// Yaw returns the unbounded heading. Odometry integrates this value.
func (p *Provider) Yaw() s1.Angle {
	yaw := p.rawYaw()
	if p.invert {
		yaw = 360 - yaw
	}
	return s1.Angle(yaw) * s1.Degree
}

// Pitch returns the pitch of the current sample in degrees.
func (p *Provider) Pitch() float64 { return p.sample.Pitch }

// Roll returns the roll of the current sample in degrees.
func (p *Provider) Roll() float64 { return p.sample.Roll }

// NominalYaw returns Yaw wrapped into [0, 360) degrees, for display and
// selection logic only.
func (p *Provider) NominalYaw() float64 {
	return Nominalize(p.Yaw().Degrees())
}

// Nominalize wraps an accumulated yaw into [0, 360). Negative and
// non-negative inputs are reduced by different formulas; both are kept as-is
// since selection logic elsewhere was tuned against them.
func Nominalize(yaw float64) float64 {
	rotations := math.Floor(yaw/360 + 0.5)
	var nominal float64
	if yaw < 0 {
		nominal = -yaw
		if nominal > 360 {
			nominal += 360 * rotations
		}
		if nominal < 0 {
			nominal += 360
		}
		nominal = 360 - nominal
	} else {
		nominal = yaw - 360*rotations
		if nominal < 0 {
			nominal += 360
		}
	}
	if nominal >= 360 {
		nominal -= 360
	}
	return nominal
}

func (o Orientation) finite() bool {
	for _, f := range []float64{o.Yaw, o.Pitch, o.Roll} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
