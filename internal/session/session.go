package session

import "time"

// State is the lifecycle state of a session.
type State string

const (
	StateCreated           State = "CREATED"
	StateStarting          State = "STARTING"
	StateRunning           State = "RUNNING"
	StateWaitingPermission State = "WAITING_PERMISSION"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StateCancelled         State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions lists the legal state machine edges. CANCELLED is
// reachable from every non-terminal state.
var transitions = map[State][]State{
	StateCreated:           {StateStarting, StateFailed, StateCancelled},
	StateStarting:          {StateRunning, StateFailed, StateCancelled},
	StateRunning:           {StateWaitingPermission, StateCompleted, StateFailed, StateCancelled},
	StateWaitingPermission: {StateRunning, StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether the edge s→to is legal.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the record for one managed subprocess. Mutations go
// through the Controller only; callers receive copies.
type Session struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Command    []string  `json:"command"`
	WorkDir    string    `json:"workDir"`
	Pid        int       `json:"pid,omitempty"`
	ClaimOwner string    `json:"claimOwner,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	EndReason  string    `json:"endReason,omitempty"`
}

// snapshot returns a copy safe to hand outside the controller.
func (s *Session) snapshot() Session {
	cp := *s
	cp.Command = append([]string(nil), s.Command...)
	if s.ExitCode != nil {
		code := *s.ExitCode
		cp.ExitCode = &code
	}
	return cp
}
