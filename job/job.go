// Package job owns job identity and lifecycle state for dispatched REPL work.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

const (
	StateRequested  State = "requested"
	StateDispatched State = "dispatched"
	StateStarted    State = "started"
	StateFinished   State = "finished"
	StateFailed     State = "failed"
	StateTimeout    State = "timeout"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateTimeout:
		return true
	}
	return false
}

// InFlight reports whether a job in state s counts against the
// single-flight-per-page invariant.
func (s State) InFlight() bool {
	switch s {
	case StateRequested, StateDispatched, StateStarted:
		return true
	}
	return false
}

// legalTransitions is the complete edge set of the job state machine.
// Anything not listed is rejected with ErrInvalidTransition.
var legalTransitions = map[State][]State{
	StateRequested:  {StateDispatched},
	StateDispatched: {StateStarted, StateTimeout},
	StateStarted:    {StateFinished, StateFailed, StateTimeout},
}

func transitionAllowed(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one unit of dispatched work: code handed to a page for execution.
type Job struct {
	ID        string    `json:"id"`
	PageName  string    `json:"page_name"`
	Agent     string    `json:"agent"`
	Code      string    `json:"code"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`

	// Result holds the serialized execution result or error text once the
	// job reaches a terminal state.
	Result string `json:"result,omitempty"`
}

// newID allocates a globally unique job id. The millisecond timestamp keeps
// ids roughly sortable; the uuid suffix prevents collisions when several jobs
// are created within the same millisecond.
func newID(now time.Time) string {
	return fmt.Sprintf("job-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
