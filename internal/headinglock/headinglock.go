// Package headinglock holds the operator-selected heading-lock mode. Command
// logic outside the drivetrain decides what each mode does to rotation
// requests; this package only owns and cycles the mode.
package headinglock

// State is the heading-lock mode.
type State int

const (
	Free State = iota
	Forward
	Backward
)

func (s State) String() string {
	switch s {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "free"
	}
}

// Lock is the mode holder. The zero value is Free.
type Lock struct {
	state State
}

// State returns the active mode.
func (l *Lock) State() State {
	return l.state
}

// Advance cycles Forward -> Backward -> Free -> Forward and returns the new mode.
func (l *Lock) Advance() State {
	switch l.state {
	case Forward:
		l.state = Backward
	case Backward:
		l.state = Free
	default:
		l.state = Forward
	}
	return l.state
}

// Reset forces Free.
func (l *Lock) Reset() {
	l.state = Free
}
