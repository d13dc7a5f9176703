package pipeline

import (
	"errors"
	"fmt"
)

var ErrInvalidPipeline = errors.New("invalid pipeline")

// PipelineError wraps pipeline construction failures.
type PipelineError struct {
	Kind error
	Msg  string
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *PipelineError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &PipelineError{Kind: ErrInvalidPipeline, Msg: fmt.Sprintf(format, args...)}
}
