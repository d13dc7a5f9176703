package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes run lifecycle records through a Store.
type Recorder struct {
	Store *Store

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewRecorder creates a Recorder on store using the wall clock.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// NewRunID returns a random run identifier.
func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

// StartRun persists run in the running state, linking it to the previous
// run of the same command.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	run.Status = RunStatusRunning
	if run.PreviousRunID == nil {
		prev, ok, err := r.Store.Latest(run.Command)
		if err != nil {
			return Run{}, err
		}
		if ok {
			id := prev.RunID
			run.PreviousRunID = &id
		}
	}
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun stamps the end time and final status.
func (r *Recorder) FinishRun(run Run, status RunStatus) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// RecordFailure classifies err and writes failure.json for the run.
func (r *Recorder) RecordFailure(runID string, err error) (Failure, error) {
	if r == nil || r.Store == nil {
		return Failure{}, errors.New("Store is required")
	}
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return Failure{}, ferr
	}
	if err := r.Store.SaveFailure(runID, f); err != nil {
		return Failure{}, fmt.Errorf("recording failure: %w", err)
	}
	return f, nil
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
