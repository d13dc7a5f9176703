package pipeline

import (
	"time"

	"voxprov/internal/core"
)

// Result summarizes one build attempt.
type Result struct {
	PipelineHash PipelineHash

	// FinalState is the terminal state of each step by name.
	FinalState ExecutionState

	// ExecutionOrder lists the steps that actually ran (entered RUNNING).
	ExecutionOrder []string

	// Keys records the layer key of every step that was probed.
	Keys map[string]core.LayerKey

	Stdout    map[string][]byte
	Stderr    map[string][]byte
	ExitCode  map[string]int
	Durations map[string]time.Duration

	// FailedStep names the step that failed, if any.
	FailedStep string

	// Trace is the canonical trace encoding, when a recorder was attached.
	Trace []byte
}

// Succeeded reports whether every step completed or was cached.
func (r *Result) Succeeded() bool {
	if r == nil || r.FailedStep != "" {
		return false
	}
	for _, st := range r.FinalState {
		if !IsSuccessful(st) {
			return false
		}
	}
	return true
}

// Count returns how many steps ended in state s.
func (r *Result) Count(s StepState) int {
	n := 0
	for _, st := range r.FinalState {
		if st == s {
			n++
		}
	}
	return n
}
