package strategy

import "sync"

// StateMachine tracks the deployment lifecycle. EXITED is terminal.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventDeploy {
			return StateActive
		}
		if event == EventEmergency {
			return StateExiting
		}
	case StateActive:
		if event == EventUnwound {
			return StateIdle
		}
		if event == EventEmergency {
			return StateExiting
		}
	case StateExiting:
		if event == EventUnwound {
			return StateExited
		}
	}
	return current
}
