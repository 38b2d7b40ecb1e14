package state

type JobState string

const (
	StateQueued       JobState = "queued"
	StateLeased       JobState = "leased"
	StateCompleted    JobState = "completed"
	StateFailed       JobState = "failed"
	StateDeadLettered JobState = "dead_lettered"
)

func (s JobState) String() string {
	return string(s)
}

// IsTerminal reports whether s is absorbing.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

func (s JobState) IsValid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

var AllStates = []JobState{
	StateQueued,
	StateLeased,
	StateCompleted,
	StateFailed,
	StateDeadLettered,
}

type Transition struct {
	From JobState
	To   JobState
}

// ValidTransitions is the complete job state machine. StateFailed never appears
// here: a failure resolves to StateQueued or StateDeadLettered in the same write.
var ValidTransitions = []Transition{
	{From: StateQueued, To: StateLeased},
	{From: StateLeased, To: StateCompleted},
	{From: StateLeased, To: StateQueued},
	{From: StateLeased, To: StateDeadLettered},
	// attempts already at the ceiling when popped
	{From: StateQueued, To: StateDeadLettered},
}

func IsValidTransition(from, to JobState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// AfterFailure returns the state a leased job moves to when it fails or its lease expires.
func AfterFailure(attempts, maxAttempts int) JobState {
	if attempts < maxAttempts {
		return StateQueued
	}
	return StateDeadLettered
}
