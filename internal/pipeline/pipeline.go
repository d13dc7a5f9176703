package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"voxprov/internal/core"
)

// PipelineHash identifies a step sequence by its definitions, in order.
type PipelineHash string

func (h PipelineHash) String() string { return string(h) }

// Pipeline is an immutable, ordered list of steps.
type Pipeline struct {
	steps  []core.Step
	byName map[string]int
	hash   PipelineHash
}

// NewPipeline validates steps and computes the pipeline hash.
func NewPipeline(steps []core.Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, invalidf("no steps")
	}
	p := &Pipeline{
		steps:  append([]core.Step(nil), steps...),
		byName: make(map[string]int, len(steps)),
	}
	h := sha256.New()
	var lenBuf [8]byte
	for i, s := range p.steps {
		if s.Name == "" {
			return nil, invalidf("step %d has no name", i)
		}
		if prev, dup := p.byName[s.Name]; dup {
			return nil, invalidf("duplicate step name %q (steps %d and %d)", s.Name, prev, i)
		}
		if err := s.Validate(); err != nil {
			return nil, &PipelineError{Kind: ErrInvalidPipeline, Msg: err.Error()}
		}
		p.byName[s.Name] = i

		def, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encoding step %q: %w", s.Name, err)
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(def)))
		h.Write(lenBuf[:])
		h.Write(def)
	}
	p.hash = PipelineHash(hex.EncodeToString(h.Sum(nil)))
	return p, nil
}

// Len returns the number of steps.
func (p *Pipeline) Len() int { return len(p.steps) }

// Steps returns a copy of the steps in order.
func (p *Pipeline) Steps() []core.Step { return append([]core.Step(nil), p.steps...) }

// Step returns the step at index i.
func (p *Pipeline) Step(i int) core.Step { return p.steps[i] }

// Index returns the position of the named step.
func (p *Pipeline) Index(name string) (int, bool) {
	i, ok := p.byName[name]
	return i, ok
}

// Hash returns the pipeline's stable identity.
func (p *Pipeline) Hash() PipelineHash { return p.hash }

// NewState returns a fresh state with every step PENDING.
func (p *Pipeline) NewState() ExecutionState {
	st := make(ExecutionState, len(p.steps))
	for _, s := range p.steps {
		st[s.Name] = StepPending
	}
	return st
}
