package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// InputResolver expands COPY sources into a sorted, content-addressed InputSet.
//
// Sources are resolved relative to BaseDir (the build context). Directories
// are walked recursively; ordering never depends on the filesystem. Paths
// matched by the ignore rules are dropped before hashing, so editing an
// ignored file never invalidates a layer.
type InputResolver struct {
	BaseDir string
	Ignore  *IgnoreRules
}

// NewInputResolver creates a resolver for the given build context. The ignore
// rules are loaded from the context's .dockerignore and .voxprovignore files;
// extraExcludes (such as the state directory) are always skipped.
func NewInputResolver(baseDir string, extraExcludes ...string) (*InputResolver, error) {
	rules, err := LoadIgnoreRules(baseDir)
	if err != nil {
		return nil, err
	}
	for _, ex := range extraExcludes {
		rel, ok := relInside(baseDir, ex)
		if ok && rel != "." {
			rules.Add(rel)
		}
	}
	return &InputResolver{BaseDir: baseDir, Ignore: rules}, nil
}

// Resolve expands sources into an InputSet sorted by Path then Target.
//
// A missing literal source is an error, as is any source escaping the
// context. Glob sources that match nothing are an error too: a COPY that
// copies nothing is almost always a typo.
func (r *InputResolver) Resolve(sources []string) (*InputSet, error) {
	if len(sources) == 0 {
		return &InputSet{Inputs: []Input{}}, nil
	}

	seen := make(map[string]struct{})
	var inputs []Input
	add := func(in Input) {
		k := in.Path + "\x00" + in.Target
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		inputs = append(inputs, in)
	}

	for _, src := range sources {
		rel, err := cleanContextPath(src)
		if err != nil {
			return nil, err
		}

		var matches []string
		if containsGlobChar(rel) {
			matches, err = filepath.Glob(filepath.Join(r.BaseDir, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("invalid glob pattern %q: %w", src, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("copy source %q matched no files", src)
			}
			sort.Strings(matches)
		} else {
			matches = []string{filepath.Join(r.BaseDir, filepath.FromSlash(rel))}
		}

		for _, m := range matches {
			if err := r.expand(m, add); err != nil {
				return nil, fmt.Errorf("resolving copy source %q: %w", src, err)
			}
		}
	}

	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].Path != inputs[j].Path {
			return inputs[i].Path < inputs[j].Path
		}
		return inputs[i].Target < inputs[j].Target
	})
	if inputs == nil {
		inputs = []Input{}
	}
	return &InputSet{Inputs: inputs}, nil
}

func (r *InputResolver) expand(abs string, add func(Input)) error {
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("not found in build context")
		}
		return err
	}
	rel, ok := relInside(r.BaseDir, abs)
	if !ok {
		return fmt.Errorf("path %q escapes the build context", abs)
	}

	if !info.IsDir() {
		if r.Ignore.Match(rel) {
			return nil
		}
		in, err := readInput(abs, rel, path.Base(rel), info)
		if err != nil {
			return err
		}
		add(in)
		return nil
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		prel, _ := relInside(r.BaseDir, p)
		if p != abs && r.Ignore.Match(prel) {
			if d.IsDir() && !r.Ignore.HasExceptions() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		target, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		in, err := readInput(p, prel, filepath.ToSlash(target), fi)
		if err != nil {
			return err
		}
		add(in)
		return nil
	})
}

func readInput(abs, rel, target string, info fs.FileInfo) (Input, error) {
	in := Input{Path: rel, Target: target, Mode: info.Mode()}
	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(abs)
		if err != nil {
			return Input{}, err
		}
		in.Content = []byte(link)
		return in, nil
	}
	if !info.Mode().IsRegular() {
		return Input{}, fmt.Errorf("%q is not a regular file", rel)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return Input{}, err
	}
	in.Mode = info.Mode().Perm()
	in.Content = content
	return in, nil
}

// cleanContextPath normalizes a copy source and rejects paths leaving the context.
func cleanContextPath(src string) (string, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return "", errors.New("empty copy source")
	}
	s = path.Clean(filepath.ToSlash(s))
	if path.IsAbs(s) {
		s = strings.TrimPrefix(s, "/")
		if s == "" {
			s = "."
		}
	}
	if s == ".." || strings.HasPrefix(s, "../") {
		return "", fmt.Errorf("copy source %q escapes the build context", src)
	}
	return s, nil
}

// relInside returns the slash-separated path of p relative to base and
// whether p lies inside base.
func relInside(base, p string) (string, bool) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", false
	}
	absP, err := filepath.Abs(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(absBase, absP)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func containsGlobChar(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}
