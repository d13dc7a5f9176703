package pipeline

import "fmt"

// StepState is the runtime state of one step in a build attempt.
type StepState string

const (
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
	StepSkipped   StepState = "SKIPPED"
	StepCached    StepState = "CACHED"
)

// ExecutionState maps step names to their current state.
type ExecutionState map[string]StepState

// IsTerminal reports whether the state is final.
func IsTerminal(s StepState) bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether later steps may build on this one.
func IsSuccessful(s StepState) bool {
	return s == StepCompleted || s == StepCached
}

// Transition moves a step from one state to another. The expected prior
// state must match, which makes ordering bugs visible.
func Transition(state ExecutionState, step string, from, to StepState) error {
	cur, ok := state[step]
	if !ok {
		return fmt.Errorf("unknown step in state: %q", step)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", step, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", step, from, to)
	}
	state[step] = to
	return nil
}

func isAllowedTransition(from, to StepState) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepCached || to == StepSkipped
	case StepRunning:
		return to == StepCompleted || to == StepFailed
	default:
		return false
	}
}

// FailAndSkipRest marks the step at index FAILED and every pending step after
// it SKIPPED. It returns the names of the skipped steps in order.
func FailAndSkipRest(p *Pipeline, state ExecutionState, index int) ([]string, error) {
	if p == nil {
		return nil, fmt.Errorf("nil pipeline")
	}
	if index < 0 || index >= p.Len() {
		return nil, fmt.Errorf("step index %d out of range", index)
	}
	name := p.steps[index].Name
	switch state[name] {
	case StepRunning:
		state[name] = StepFailed
	case StepFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", name, state[name])
	}

	var skipped []string
	for _, s := range p.steps[index+1:] {
		switch state[s.Name] {
		case StepPending:
			state[s.Name] = StepSkipped
			skipped = append(skipped, s.Name)
		case StepRunning:
			return skipped, fmt.Errorf("invariant violation: later step %q is RUNNING during failure", s.Name)
		}
	}
	return skipped, nil
}
