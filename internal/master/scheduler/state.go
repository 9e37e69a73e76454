package scheduler

// State is where the scheduler is in a batch's life.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StatePlanning
	StatePacking
	StateDispatching
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StatePlanning:
		return "planning"
	case StatePacking:
		return "packing"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}
