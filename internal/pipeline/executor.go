package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voxprov/internal/core"
	"voxprov/internal/trace"
)

// StepRunner probes and runs a single step. *core.Builder implements it.
//
// A non-zero ExitCode is a step failure. A non-nil error means the engine
// itself could not do its job.
type StepRunner interface {
	Probe(ctx context.Context, step core.Step) (*core.RunResult, bool, error)
	Run(ctx context.Context, step core.Step) (*core.RunResult, error)
}

// Observer is notified as steps progress. Callbacks run on the executor's
// goroutine and must not block for long.
type Observer interface {
	OnStepStart(index int, step core.Step)
	OnStepTerminal(index int, step core.Step, state StepState, res *core.RunResult, elapsed time.Duration)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Start    func(index int, step core.Step)
	Terminal func(index int, step core.Step, state StepState, res *core.RunResult, elapsed time.Duration)
}

func (o ObserverFuncs) OnStepStart(index int, step core.Step) {
	if o.Start != nil {
		o.Start(index, step)
	}
}

func (o ObserverFuncs) OnStepTerminal(index int, step core.Step, state StepState, res *core.RunResult, elapsed time.Duration) {
	if o.Terminal != nil {
		o.Terminal(index, step, state, res, elapsed)
	}
}

// Executor runs a Pipeline step by step.
type Executor struct {
	Pipeline  *Pipeline
	Runner    StepRunner
	Observers []Observer

	// Trace, when set, receives the logical events of the build.
	Trace trace.Sink

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with every step PENDING.
func NewExecutor(p *Pipeline, runner StepRunner, observers ...Observer) (*Executor, error) {
	if p == nil {
		return nil, fmt.Errorf("nil pipeline")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	return &Executor{Pipeline: p, Runner: runner, Observers: observers, state: p.NewState()}, nil
}

// StateSnapshot returns a copy of the current state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// Run executes the pipeline. A step failure is reported in the Result, not
// as an error; errors are reserved for the engine (probe, I/O, cancellation)
// and leave the remaining steps as they were.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	n := e.Pipeline.Len()
	res := &Result{
		PipelineHash:   e.Pipeline.Hash(),
		ExecutionOrder: make([]string, 0, n),
		Keys:           make(map[string]core.LayerKey, n),
		Stdout:         make(map[string][]byte, n),
		Stderr:         make(map[string][]byte, n),
		ExitCode:       make(map[string]int, n),
		Durations:      make(map[string]time.Duration, n),
	}

	for i := 0; i < n; i++ {
		step := e.Pipeline.Step(i)

		e.mu.Lock()
		st := e.state[step.Name]
		e.mu.Unlock()
		if st == StepSkipped {
			continue
		}
		if st != StepPending {
			return nil, fmt.Errorf("unexpected state %s for step %q", st, step.Name)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build cancelled before %q: %w", step.Name, err)
		}

		e.notifyStart(i, step)
		started := time.Now()

		probed, cached, err := e.Runner.Probe(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("probing cache for %q: %w", step.Name, err)
		}
		if cached {
			if probed == nil {
				return nil, fmt.Errorf("probing cache for %q: nil result", step.Name)
			}
			if err := e.transition(step.Name, StepPending, StepCached); err != nil {
				return nil, err
			}
			e.record(res, step.Name, probed, time.Since(started))
			if probed.Entries > 0 {
				trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventLayerReplayed, Index: i, Step: step.Name, Key: probed.Key.String(), Entries: probed.Entries})
			}
			trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventStepCached, Index: i, Step: step.Name, Key: probed.Key.String()})
			e.notifyTerminal(i, step, StepCached, probed, time.Since(started))
			continue
		}

		if err := e.transition(step.Name, StepPending, StepRunning); err != nil {
			return nil, err
		}
		res.ExecutionOrder = append(res.ExecutionOrder, step.Name)

		ran, err := e.Runner.Run(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("executing %q: %w", step.Name, err)
		}
		if ran == nil {
			return nil, fmt.Errorf("executing %q: nil result", step.Name)
		}
		elapsed := time.Since(started)
		e.record(res, step.Name, ran, elapsed)

		if ran.ExitCode == 0 {
			if err := e.transition(step.Name, StepRunning, StepCompleted); err != nil {
				return nil, err
			}
			trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventStepExecuted, Index: i, Step: step.Name, Key: ran.Key.String()})
			e.notifyTerminal(i, step, StepCompleted, ran, elapsed)
			continue
		}

		e.mu.Lock()
		skipped, err := FailAndSkipRest(e.Pipeline, e.state, i)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		res.FailedStep = step.Name
		trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventStepFailed, Index: i, Step: step.Name, Key: ran.Key.String(), Reason: "ExitCode"})
		e.notifyTerminal(i, step, StepFailed, ran, elapsed)
		for _, name := range skipped {
			j, _ := e.Pipeline.Index(name)
			trace.SafeRecord(e.Trace, trace.Event{Kind: trace.EventStepSkipped, Index: j, Step: name, Reason: "UpstreamFailed", CauseStep: step.Name})
			e.notifyTerminal(j, e.Pipeline.Step(j), StepSkipped, nil, 0)
		}
	}

	res.FinalState = e.StateSnapshot()
	if rec, ok := e.Trace.(*trace.Recorder); ok {
		b, err := rec.Trace(res.PipelineHash.String()).CanonicalJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding trace: %w", err)
		}
		res.Trace = b
	}
	return res, nil
}

func (e *Executor) transition(name string, from, to StepState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Transition(e.state, name, from, to)
}

func (e *Executor) record(res *Result, name string, r *core.RunResult, elapsed time.Duration) {
	res.Keys[name] = r.Key
	res.Stdout[name] = r.Stdout
	res.Stderr[name] = r.Stderr
	res.ExitCode[name] = r.ExitCode
	res.Durations[name] = elapsed
}

func (e *Executor) notifyStart(i int, step core.Step) {
	for _, o := range e.Observers {
		o.OnStepStart(i, step)
	}
}

func (e *Executor) notifyTerminal(i int, step core.Step, st StepState, r *core.RunResult, elapsed time.Duration) {
	for _, o := range e.Observers {
		o.OnStepTerminal(i, step, st, r, elapsed)
	}
}
