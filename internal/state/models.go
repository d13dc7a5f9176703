package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Command is the CLI operation a run record belongs to.
type Command string

const (
	CommandBuild  Command = "build"
	CommandLaunch Command = "launch"
)

// CacheMode says whether a build consulted the layer cache.
type CacheMode string

const (
	CacheModeCached CacheMode = "cached"
	CacheModeClean  CacheMode = "clean"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted metadata of one build or launch attempt.
type Run struct {
	RunID        string     `json:"run_id"`
	Command      Command    `json:"command"`
	// PipelineHash is empty when the run ended before a pipeline was compiled.
	PipelineHash string     `json:"pipeline_hash"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	Mode         CacheMode  `json:"mode"`
	Status       RunStatus  `json:"status"`

	// ImageID is the last layer key of a successful build.
	ImageID string `json:"image_id,omitempty"`

	PreviousRunID *string `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	switch r.Command {
	case CommandBuild, CommandLaunch:
	default:
		errs = append(errs, fmt.Errorf("invalid command %q", r.Command))
	}
	if r.Status == RunStatusSucceeded && r.Command == CommandBuild && strings.TrimSpace(r.PipelineHash) == "" {
		errs = append(errs, errors.New("pipeline_hash is required for a successful build"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time precedes start_time"))
	}
	switch r.Mode {
	case CacheModeCached, CacheModeClean:
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// StepRecord is the terminal outcome of one step, persisted in steps.json.
type StepRecord struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Key        string `json:"key,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

func (s StepRecord) Validate() error {
	var errs []error
	if s.Index < 0 {
		errs = append(errs, errors.New("index must be >= 0"))
	}
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(s.State) == "" {
		errs = append(errs, errors.New("state is required"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassRecipe    FailureClass = "recipe"
	FailureClassWorkspace FailureClass = "workspace"
	FailureClassStep      FailureClass = "step"
	FailureClassSystem    FailureClass = "system"
	FailureClassLaunch    FailureClass = "launch"
)

// Failure is the recorded reason a run ended unsuccessfully. No failure is
// resumable: a rebuild starts from the beginning and reuses cached layers.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Step         *string      `json:"step,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	ExitCode     int          `json:"exit_code,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassRecipe, FailureClassWorkspace, FailureClassStep, FailureClassSystem, FailureClassLaunch:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Step != nil && strings.TrimSpace(*f.Step) == "" {
		errs = append(errs, errors.New("step must not be empty when provided"))
	}
	if f.FailureClass == FailureClassStep && f.Step == nil {
		errs = append(errs, errors.New("step is required for step failures"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
