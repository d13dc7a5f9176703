package core

import "io/fs"

// Input is a build-context file consumed by a COPY step.
//
// Identity is content plus mode; timestamps and ownership are ignored so the
// same tree checked out on two machines yields the same LayerKey.
type Input struct {
	// Path is the slash-separated path relative to the build context.
	Path string

	// Target is the slash-separated path relative to the copy destination.
	Target string

	Mode    fs.FileMode
	Content []byte
}

// InputSet is the resolved input list of a step, sorted by Path.
type InputSet struct {
	Inputs []Input
}

// Len returns the number of inputs, tolerating a nil set.
func (s *InputSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Inputs)
}

// Size is the total content size in bytes.
func (s *InputSet) Size() int64 {
	if s == nil {
		return 0
	}
	var n int64
	for _, in := range s.Inputs {
		n += int64(len(in.Content))
	}
	return n
}
