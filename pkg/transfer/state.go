package transfer

// State is the lifecycle state of a transfer controller.
//
// Valid transitions:
//
//	Idle -> Active
//	Active -> Suspended -> Active (suspend/resume cycle, any number of times)
//	Active -> Completed
//	Active | Suspended -> Failed
//
// Completed and Failed are terminal; no events are emitted after reaching
// either of them.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateSuspended
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
