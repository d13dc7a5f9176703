package core

import "io/fs"

// FileKind distinguishes the entries a layer can carry.
type FileKind string

const (
	KindFile    FileKind = "file"
	KindDir     FileKind = "dir"
	KindSymlink FileKind = "symlink"
)

// LayerFile is one created or modified entry in the image root.
type LayerFile struct {
	// Path is slash-separated and relative to the image root.
	Path string      `json:"path"`
	Kind FileKind    `json:"kind"`
	Mode fs.FileMode `json:"mode"`

	// Target is the link destination for symlinks.
	Target string `json:"target,omitempty"`

	// Content is the file body. Cache backends store it out of line.
	Content []byte `json:"content,omitempty"`
}

// Layer is the stored result of a successful step.
type Layer struct {
	Key  LayerKey `json:"key"`
	Step string   `json:"step"`
	Op   StepOp   `json:"op"`

	Stdout []byte `json:"stdout"`
	Stderr []byte `json:"stderr"`

	// Files are sorted by Path; parents always precede children.
	Files []LayerFile `json:"files"`

	// Deleted lists removed paths, outermost only.
	Deleted []string `json:"deleted"`
}

// Size is the total content size carried by the layer.
func (l *Layer) Size() int64 {
	if l == nil {
		return 0
	}
	var n int64
	for _, f := range l.Files {
		n += int64(len(f.Content))
	}
	return n
}

// Clone returns a deep copy.
func (l *Layer) Clone() *Layer {
	if l == nil {
		return nil
	}
	cp := &Layer{
		Key:     l.Key,
		Step:    l.Step,
		Op:      l.Op,
		Stdout:  append([]byte(nil), l.Stdout...),
		Stderr:  append([]byte(nil), l.Stderr...),
		Files:   make([]LayerFile, len(l.Files)),
		Deleted: append([]string(nil), l.Deleted...),
	}
	for i, f := range l.Files {
		f.Content = append([]byte(nil), f.Content...)
		cp.Files[i] = f
	}
	return cp
}
