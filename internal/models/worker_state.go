package models

import (
	"fmt"
	"time"
)

// WorkerState is the lifecycle state of a fetch worker.
type WorkerState string

const (
	StateInitializing WorkerState = "initializing" // Registered, no cycle run yet
	StateFetching     WorkerState = "fetching"     // Request in flight
	StateSuccess      WorkerState = "success"      // Last cycle persisted its batch
	StateError        WorkerState = "error"        // Last cycle failed; see Reason
)

// StateTransition defines a valid worker state change.
type StateTransition struct {
	From        WorkerState
	To          WorkerState
	Description string
}

// ValidTransitions lists every allowed worker state change.
var ValidTransitions = []StateTransition{
	{StateInitializing, StateFetching, "First cycle started"},
	{StateInitializing, StateError, "Worker failed before its first cycle"},
	{StateFetching, StateSuccess, "Batch fetched and persisted"},
	{StateFetching, StateError, "Fetch failed"},
	{StateSuccess, StateFetching, "Next cycle started"},
	{StateSuccess, StateError, "Worker crashed between cycles"},
	{StateError, StateFetching, "Retry cycle started"},
	{StateError, StateError, "Repeated failure"},

	// A restarted worker set re-registers every expiry.
	{StateSuccess, StateInitializing, "Worker restarted"},
	{StateError, StateInitializing, "Worker restarted"},
	{StateFetching, StateInitializing, "Worker restarted"},
}

// CanTransition reports whether from -> to appears in ValidTransitions.
func CanTransition(from, to WorkerState) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

// WorkerStatus is the shared progress record for one expiry.
type WorkerStatus struct {
	Expiry     Date        `json:"expiry"`
	State      WorkerState `json:"state"`
	Reason     string      `json:"reason,omitempty"`
	LastUpdate time.Time   `json:"last_update"`
	// Records is the number of strikes processed in the last successful cycle.
	Records int `json:"records"`
	// Written counts rows actually inserted since the process started.
	Written    int64  `json:"written"`
	Generation string `json:"generation,omitempty"`
}

// Label renders the state the way the progress view shows it.
func (s WorkerStatus) Label() string {
	switch s.State {
	case StateInitializing:
		return "Initializing"
	case StateFetching:
		return "Fetching"
	case StateSuccess:
		return "Success"
	case StateError:
		return fmt.Sprintf("Error: %s", s.Reason)
	default:
		return string(s.State)
	}
}
