package state

import (
	"errors"
	"fmt"
)

// RecipeFailureError is an invalid recipe or configuration.
type RecipeFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RecipeFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("recipe failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("recipe failure: %s", e.Message)
}

func (e *RecipeFailureError) Unwrap() error { return e.Cause }

// WorkspaceFailureError is an unusable build context or state directory.
type WorkspaceFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *WorkspaceFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("workspace failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("workspace failure: %s", e.Message)
}

func (e *WorkspaceFailureError) Unwrap() error { return e.Cause }

// StepFailureError is a provisioning step that exited non-zero.
type StepFailureError struct {
	Step     string
	Kind     string
	ExitCode int
	Code     string
	Message  string
}

func (e *StepFailureError) Error() string {
	if e == nil {
		return ""
	}
	code := e.Code
	if code == "" {
		code = StepFailureCode(e.Kind)
	}
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("step failure step=%s (%s): %s", e.Step, code, msg)
}

// StepFailureCode names the failure of a step kind.
func StepFailureCode(kind string) string {
	switch kind {
	case "packages":
		return "NativePackageInstallFailed"
	case "pip":
		return "DependencyInstallFailed"
	case "model":
		return "ModelDownloadFailed"
	case "clean":
		return "CleanupFailed"
	default:
		return "StepFailed"
	}
}

// SystemFailureError is an engine or infrastructure failure.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

// LaunchFailureError is a server that could not start or exited.
type LaunchFailureError struct {
	Code     string
	Message  string
	ExitCode int
	Cause    error
}

func (e *LaunchFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("launch failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("launch failure: %s", e.Message)
}

func (e *LaunchFailureError) Unwrap() error { return e.Cause }

// FailureFromError classifies err into a Failure record. Unknown errors
// are system failures.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var rf *RecipeFailureError
	if errors.As(err, &rf) && rf != nil {
		return Failure{
			FailureClass: FailureClassRecipe,
			ErrorCode:    nonEmptyOr(rf.Code, "RecipeInvalid"),
			ErrorMessage: nonEmptyOr(rf.Message, rf.Error()),
		}, nil
	}

	var wf *WorkspaceFailureError
	if errors.As(err, &wf) && wf != nil {
		return Failure{
			FailureClass: FailureClassWorkspace,
			ErrorCode:    nonEmptyOr(wf.Code, "WorkspaceFailure"),
			ErrorMessage: nonEmptyOr(wf.Message, wf.Error()),
		}, nil
	}

	var sf *StepFailureError
	if errors.As(err, &sf) && sf != nil {
		step := sf.Step
		return Failure{
			FailureClass: FailureClassStep,
			Step:         &step,
			ErrorCode:    nonEmptyOr(sf.Code, StepFailureCode(sf.Kind)),
			ErrorMessage: nonEmptyOr(sf.Message, sf.Error()),
			ExitCode:     sf.ExitCode,
		}, nil
	}

	var lf *LaunchFailureError
	if errors.As(err, &lf) && lf != nil {
		return Failure{
			FailureClass: FailureClassLaunch,
			ErrorCode:    nonEmptyOr(lf.Code, "LaunchFailure"),
			ErrorMessage: nonEmptyOr(lf.Message, lf.Error()),
			ExitCode:     lf.ExitCode,
		}, nil
	}

	var sys *SystemFailureError
	if errors.As(err, &sys) && sys != nil {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    nonEmptyOr(sys.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(sys.Message, sys.Error()),
		}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
