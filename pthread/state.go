package pthread

// State is the lifecycle position of a ManagedThread.
type State int32

const (
	NotStarted State = iota
	Loading
	Attaching
	Running
	Detaching
	Destroying
	Destroyed
)

var stateNames = [...]string{
	NotStarted: "NOT_STARTED",
	Loading:    "LOADING",
	Attaching:  "ATTACHING",
	Running:    "RUNNING",
	Detaching:  "DETACHING",
	Destroying: "DESTROYING",
	Destroyed:  "DESTROYED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "INVALID"
	}
	return stateNames[s]
}

// Next returns the state that follows s.
func (s State) Next() State {
	if s >= Destroyed {
		return Destroyed
	}
	return s + 1
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Destroyed }
