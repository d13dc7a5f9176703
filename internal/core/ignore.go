package core

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFiles are read from the build context root, in order.
var IgnoreFiles = []string{".dockerignore", ".voxprovignore"}

type ignorePattern struct {
	segments []string
	negate   bool
}

// IgnoreRules excludes build-context paths from COPY inputs.
//
// Syntax follows .dockerignore: one pattern per line, '#' comments, '**'
// matching any number of directories and a leading '!' re-including a path.
// The last matching pattern wins. A pattern matching a directory excludes
// everything beneath it.
type IgnoreRules struct {
	patterns   []ignorePattern
	exceptions bool
}

// LoadIgnoreRules reads the ignore files found in dir. Missing files are fine.
func LoadIgnoreRules(dir string) (*IgnoreRules, error) {
	rules := &IgnoreRules{}
	for _, name := range IgnoreFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			rules.Add(sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// Add appends a single pattern line.
func (r *IgnoreRules) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	neg := false
	if strings.HasPrefix(line, "!") {
		neg = true
		line = strings.TrimSpace(line[1:])
	}
	line = path.Clean(strings.TrimPrefix(filepath.ToSlash(line), "/"))
	if line == "." || line == "" {
		return
	}
	r.patterns = append(r.patterns, ignorePattern{segments: strings.Split(line, "/"), negate: neg})
	if neg {
		r.exceptions = true
	}
}

// HasExceptions reports whether any '!' pattern exists. Ignored directories
// can only be pruned wholesale when there are none.
func (r *IgnoreRules) HasExceptions() bool {
	return r != nil && r.exceptions
}

// Match reports whether the slash-separated context-relative path is excluded.
func (r *IgnoreRules) Match(rel string) bool {
	if r == nil || len(r.patterns) == 0 || rel == "." || rel == "" {
		return false
	}
	segs := strings.Split(rel, "/")
	excluded := false
	for _, p := range r.patterns {
		if matchWithParents(p.segments, segs) {
			excluded = !p.negate
		}
	}
	return excluded
}

// matchWithParents matches the pattern against the path or any of its parents.
func matchWithParents(pattern, segs []string) bool {
	for n := len(segs); n > 0; n-- {
		if matchSegments(pattern, segs[:n]) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segs[1:])
}
