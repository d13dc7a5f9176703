package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// BuildTrace is the canonical record of what a build decided, step by step.
//
// It captures logical decisions only: no timestamps, durations, output or
// error strings. Two builds that made the same decisions produce the same
// bytes, so the trace hash can be compared across machines.
type BuildTrace struct {
	PipelineHash string
	Events       []Event
}

// EventKind discriminates trace events. The string values are part of the
// canonical encoding; do not rename.
type EventKind string

const (
	EventLayerReplayed EventKind = "LayerReplayed"
	EventStepCached    EventKind = "StepCached"
	EventStepExecuted  EventKind = "StepExecuted"
	EventStepFailed    EventKind = "StepFailed"
	EventStepSkipped   EventKind = "StepSkipped"
)

// Event is a single logical decision about one step.
type Event struct {
	Kind EventKind

	// Index is the step's position in the pipeline. Events are ordered by it.
	Index int
	Step  string

	// Key is the layer key, when one was computed.
	Key string

	// Reason is a stable reason code such as "ExitCode" or "UpstreamFailed".
	Reason string

	// CauseStep names the failed step a skip was caused by.
	CauseStep string

	// Entries counts filesystem entries written when a layer was replayed.
	Entries int
}

// Validate checks the invariants CanonicalJSON relies on.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PipelineHash == "" {
		return errors.New("pipelineHash is required")
	}
	var errs []error
	for i, e := range t.Events {
		if e.Kind == "" {
			errs = append(errs, fmt.Errorf("events[%d].kind is required", i))
		}
		if e.Step == "" {
			errs = append(errs, fmt.Errorf("events[%d].step is required", i))
		}
		if e.Index < 0 {
			errs = append(errs, fmt.Errorf("events[%d].index is negative", i))
		}
	}
	return errors.Join(errs...)
}

// Canonicalize sorts events by (index, kind, reason, cause).
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.CauseStep < b.CauseStep
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventLayerReplayed:
		return 10
	case EventStepCached:
		return 20
	case EventStepExecuted:
		return 30
	case EventStepFailed:
		return 40
	case EventStepSkipped:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical encoding without mutating t.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	cp := BuildTrace{PipelineHash: t.PipelineHash, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Hash returns the sha256 hex of the canonical encoding.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	if t.PipelineHash == "" {
		return nil, errors.New("pipelineHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"pipelineHash":`)
	writeJSONString(&buf, t.PipelineHash)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeJSONString(&buf, string(e.Kind))
	fmt.Fprintf(&buf, `,"index":%d`, e.Index)
	buf.WriteString(`,"step":`)
	writeJSONString(&buf, e.Step)
	if e.Key != "" {
		buf.WriteString(`,"key":`)
		writeJSONString(&buf, e.Key)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeJSONString(&buf, e.Reason)
	}
	if e.CauseStep != "" {
		buf.WriteString(`,"causeStep":`)
		writeJSONString(&buf, e.CauseStep)
	}
	if e.Entries > 0 {
		fmt.Fprintf(&buf, `,"entries":%d`, e.Entries)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
