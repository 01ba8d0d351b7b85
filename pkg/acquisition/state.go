package acquisition

import (
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Running
	StopRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Idle, Running, StopRequested} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Termination says why a run ended.
type Termination string

const (
	TerminationStopped     Termination = "stopped"
	TerminationLinkFatal   Termination = "link_fatal"
	TerminationStartFailed Termination = "start_failed"
)

// RunInfo describes the current or most recent run.
type RunInfo struct {
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at,omitzero"`
	Rounds    int         `json:"rounds"`
	Reason    Termination `json:"reason,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type Status struct {
	State State    `json:"state"`
	Run   *RunInfo `json:"run,omitempty"`
}
