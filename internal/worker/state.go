package worker

// State is the lifecycle state of a Worker.
type State int

const (
	Idle State = iota
	Running
	Suspended
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether a loop owns the engine in this state.
func (s State) Active() bool {
	return s == Running || s == Suspended || s == Stopping
}
