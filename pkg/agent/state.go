package agent

import "time"

// State is the orchestrator's view of the device. It is owned by the control
// loop; Snapshot returns a copy for other readers.
type State struct {
	Online     bool
	LastErr    string
	LastErrAt  time.Time
	Iteration  uint64
	Generation uint64 // Incremented on every application start
	Running    bool   // Mirror of the supervisor's running flag
	Tripped    bool   // The revert circuit breaker is open
}

// Snapshot returns a copy of the current state
func (a *Agent) Snapshot() State {
	running := a.opts.Process.Running()

	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	s.Running = running
	return s
}

func (a *Agent) update(fn func(s *State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.state)
}

func (a *Agent) generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Generation
}

func (a *Agent) tripped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Tripped
}
