package engine

// StepState is the lifecycle state of one flow step within a stage run.
type StepState string

// Step states.
const (
	StatePending         StepState = "pending"
	StateBuildingContext StepState = "building_context"
	StatePrompting       StepState = "prompting"
	StateInvoking        StepState = "invoking"
	StateValidating      StepState = "validating"
	StatePersisted       StepState = "persisted"
	StateFailed          StepState = "failed"
)

// validTransitions defines the step state machine. Every non-terminal state may fail;
// invoking is re-entered for retries.
//
//nolint:gochecknoglobals // state machine definition
var validTransitions = map[StepState][]StepState{
	StatePending:         {StateBuildingContext, StateFailed},
	StateBuildingContext: {StatePrompting, StateFailed},
	StatePrompting:       {StateInvoking, StateFailed},
	StateInvoking:        {StateValidating, StateInvoking, StateFailed},
	StateValidating:      {StatePersisted, StateInvoking, StateFailed},
	StatePersisted:       {},
	StateFailed:          {},
}

// IsValidTransition checks if a step may move from one state to another.
func IsValidTransition(from, to StepState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether no further transitions are possible.
func IsTerminalState(s StepState) bool {
	return s == StatePersisted || s == StateFailed
}

// ValidNextStates returns the valid next states for a given state.
func ValidNextStates(from StepState) []StepState {
	return validTransitions[from]
}
