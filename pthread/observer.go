package pthread

// Event reports one state transition. The registration of a new thread is
// reported as a transition into NotStarted.
type Event struct {
	Err  error
	Name string
	Ptr  uint32
	From State
	To   State
}

// Observer receives thread lifecycle events. Calls are made on the thread
// whose state changed, so implementations must be safe for concurrent use.
type Observer interface {
	OnThreadEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnThreadEvent(e Event) { f(e) }
