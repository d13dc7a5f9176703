package core

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// StepOp is the primitive a Step compiles to.
type StepOp string

const (
	OpFrom    StepOp = "FROM"
	OpWorkdir StepOp = "WORKDIR"
	OpRun     StepOp = "RUN"
	OpCopy    StepOp = "COPY"
	OpExpose  StepOp = "EXPOSE"
	OpCmd     StepOp = "CMD"
)

// Step is a single provisioning step in build order.
//
// Only the fields relevant to Op are set. Name and Kind identify the step for
// humans (logs, traces, failure records) and never contribute to its LayerKey.
type Step struct {
	Name string `json:"name"`
	// Kind is the recipe block kind the step came from (packages, pip, model, ...).
	Kind string `json:"kind"`
	Op   StepOp `json:"op"`

	// FROM
	Base string `json:"base,omitempty"`

	// WORKDIR
	Dir string `json:"dir,omitempty"`

	// RUN
	Shell string `json:"shell,omitempty"`

	// COPY
	Sources []string `json:"sources,omitempty"`
	Dest    string   `json:"dest,omitempty"`

	// EXPOSE
	Port int `json:"port,omitempty"`

	// CMD
	Argv []string `json:"argv,omitempty"`
}

// Validate checks the fields required by the step's Op.
func (s Step) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch s.Op {
	case OpFrom:
		if strings.TrimSpace(s.Base) == "" {
			errs = append(errs, errors.New("base image is required"))
		}
	case OpWorkdir:
		if !path.IsAbs(s.Dir) {
			errs = append(errs, fmt.Errorf("workdir %q must be absolute", s.Dir))
		}
	case OpRun:
		if strings.TrimSpace(s.Shell) == "" {
			errs = append(errs, errors.New("shell command is required"))
		}
	case OpCopy:
		if len(s.Sources) == 0 {
			errs = append(errs, errors.New("at least one copy source is required"))
		}
		if strings.TrimSpace(s.Dest) == "" {
			errs = append(errs, errors.New("copy destination is required"))
		}
	case OpExpose:
		if s.Port < 1 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
		}
	case OpCmd:
		if len(s.Argv) == 0 {
			errs = append(errs, errors.New("startup argv is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown op %q", s.Op))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("step %q: %w", s.Name, errors.Join(errs...))
}

// Describe renders the step as a single build-file style line.
func (s Step) Describe() string {
	switch s.Op {
	case OpFrom:
		return "FROM " + s.Base
	case OpWorkdir:
		return "WORKDIR " + s.Dir
	case OpRun:
		return "RUN " + s.Shell
	case OpCopy:
		return "COPY " + strings.Join(s.Sources, " ") + " " + s.Dest
	case OpExpose:
		return fmt.Sprintf("EXPOSE %d", s.Port)
	case OpCmd:
		return "CMD " + strings.Join(s.Argv, " ")
	default:
		return string(s.Op)
	}
}

// definitionFields returns the identity-bearing fields in a fixed order.
func (s Step) definitionFields() []string {
	fields := []string{string(s.Op), s.Base, s.Dir, s.Shell, s.Dest, fmt.Sprint(s.Port)}
	fields = append(fields, fmt.Sprint(len(s.Sources)))
	fields = append(fields, s.Sources...)
	fields = append(fields, fmt.Sprint(len(s.Argv)))
	fields = append(fields, s.Argv...)
	return fields
}
