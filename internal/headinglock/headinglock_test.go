package headinglock

import (
	"testing"

	"go.viam.com/test"
)

func TestAdvanceCycle(t *testing.T) {
	var l Lock
	test.That(t, l.State(), test.ShouldEqual, Free)

	test.That(t, l.Advance(), test.ShouldEqual, Forward)
	test.That(t, l.Advance(), test.ShouldEqual, Backward)
	test.That(t, l.Advance(), test.ShouldEqual, Free)
	test.That(t, l.State(), test.ShouldEqual, Free)
}

func TestResetFromAnyState(t *testing.T) {
	for advances := 0; advances < 3; advances++ {
		var l Lock
		for i := 0; i < advances; i++ {
			l.Advance()
		}
		l.Reset()
		test.That(t, l.State(), test.ShouldEqual, Free)
	}
}

func TestString(t *testing.T) {
	test.That(t, Forward.String(), test.ShouldEqual, "forward")
	test.That(t, Backward.String(), test.ShouldEqual, "backward")
	test.That(t, Free.String(), test.ShouldEqual, "free")
}
