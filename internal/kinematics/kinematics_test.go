package kinematics

import (
	"math"
	"testing"

	"github.com/golang/geo/s1"
	"go.viam.com/test"
)

const maxSpeed = 4.0

func newSquare() *Kinematics {
	return New(Rectangular(0.6, 0.6))
}

func TestStraightForward(t *testing.T) {
	k := newSquare()

	states := Desaturate(k.ToModuleStates(ChassisVelocity{Forward: 1}), maxSpeed)
	for _, state := range states {
		test.That(t, state.Angle.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, state.Speed, test.ShouldAlmostEqual, 1, 1e-9)
	}
}

func TestForwardDesaturated(t *testing.T) {
	k := newSquare()

	states := Desaturate(k.ToModuleStates(ChassisVelocity{Forward: 5}), maxSpeed)
	for _, state := range states {
		test.That(t, state.Angle.Degrees(), test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, state.Speed, test.ShouldEqual, 4.0)
	}
}

func TestZeroCommand(t *testing.T) {
	k := newSquare()

	states := Desaturate(k.ToModuleStates(ChassisVelocity{}), maxSpeed)
	for _, state := range states {
		test.That(t, state.Speed, test.ShouldEqual, 0.0)
		test.That(t, math.IsNaN(state.Angle.Radians()), test.ShouldBeFalse)
	}
}

func TestPureRotation(t *testing.T) {
	k := newSquare()
	omega := 2.0

	states := k.ToModuleStates(ChassisVelocity{Rotation: omega})
	radius := math.Hypot(0.3, 0.3)
	for i, state := range states {
		test.That(t, state.Speed, test.ShouldAlmostEqual, omega*radius, 1e-9)

		offset := k.Offsets()[i]
		tangent := s1.Angle(math.Atan2(offset.Ortho().Y, offset.Ortho().X))
		test.That(t, (state.Angle - tangent).Normalized().Degrees(), test.ShouldAlmostEqual, 0, 1e-9)
	}
	test.That(t, states[FrontLeft].Angle.Degrees(), test.ShouldAlmostEqual, 135, 1e-9)
	test.That(t, states[BackRight].Angle.Degrees(), test.ShouldAlmostEqual, -45, 1e-9)
}

func TestDesaturateBound(t *testing.T) {
	k := New(Rectangular(0.7, 0.5))

	for _, tc := range []struct {
		name      string
		v         ChassisVelocity
		saturates bool
	}{
		{"slow diagonal", ChassisVelocity{Forward: 1, Strafe: 1}, false},
		{"fast diagonal", ChassisVelocity{Forward: 3, Strafe: 3}, true},
		{"spin", ChassisVelocity{Rotation: 20}, true},
		{"drive and spin", ChassisVelocity{Forward: 3.5, Strafe: -1, Rotation: 4}, true},
		{"reverse", ChassisVelocity{Forward: -2}, false},
		{"exactly at limit", ChassisVelocity{Strafe: -4}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := k.ToModuleStates(tc.v)
			states := Desaturate(raw, maxSpeed)

			top := 0.0
			rawTop := 0.0
			for i, state := range states {
				top = math.Max(top, math.Abs(state.Speed))
				rawTop = math.Max(rawTop, math.Abs(raw[i].Speed))
				test.That(t, state.Angle, test.ShouldEqual, raw[i].Angle)
			}
			test.That(t, top, test.ShouldBeLessThanOrEqualTo, maxSpeed)
			test.That(t, rawTop > maxSpeed, test.ShouldEqual, tc.saturates)
			if tc.saturates {
				test.That(t, top, test.ShouldEqual, maxSpeed)
				for i := range states {
					test.That(t, states[i].Speed, test.ShouldAlmostEqual, raw[i].Speed*maxSpeed/rawTop, 1e-9)
				}
			}
		})
	}
}

func TestFieldRelative(t *testing.T) {
	// Facing +90 degrees, a field-forward command is a rightward strafe for the robot.
	v := FromFieldRelative(ChassisVelocity{Forward: 1, Rotation: 0.5}, 90*s1.Degree)
	test.That(t, v.Forward, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Strafe, test.ShouldAlmostEqual, -1, 1e-9)
	test.That(t, v.Rotation, test.ShouldEqual, 0.5)

	v = FromFieldRelative(ChassisVelocity{Forward: 2, Strafe: 1}, 0)
	test.That(t, v, test.ShouldResemble, ChassisVelocity{Forward: 2, Strafe: 1})
}

func TestForwardKinematicsRecoversCommand(t *testing.T) {
	k := New(Rectangular(0.7, 0.5))

	for _, v := range []ChassisVelocity{
		{Forward: 1},
		{Strafe: -0.5},
		{Rotation: 1.5},
		{Forward: 1.2, Strafe: 0.4, Rotation: -0.8},
	} {
		got := k.ToChassisVelocity(k.ToModuleStates(v))
		test.That(t, got.Forward, test.ShouldAlmostEqual, v.Forward, 1e-9)
		test.That(t, got.Strafe, test.ShouldAlmostEqual, v.Strafe, 1e-9)
		test.That(t, got.Rotation, test.ShouldAlmostEqual, v.Rotation, 1e-9)
	}
}

func TestToTwist(t *testing.T) {
	k := newSquare()

	var deltas [NumModules]ModulePosition
	for i := range deltas {
		deltas[i] = ModulePosition{Distance: 0.1, Angle: 90 * s1.Degree}
	}
	twist := k.ToTwist(deltas)
	test.That(t, twist.DX, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, twist.DY, test.ShouldAlmostEqual, 0.1, 1e-9)
	test.That(t, twist.DTheta, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestInvertedPosition(t *testing.T) {
	p := ModulePosition{Distance: 1.25, Angle: 30 * s1.Degree}
	inv := p.Inverted()
	test.That(t, inv.Distance, test.ShouldEqual, -1.25)
	test.That(t, inv.Angle, test.ShouldEqual, p.Angle)
}
