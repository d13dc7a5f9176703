package recipe

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidRecipe is wrapped by every validation failure.
var ErrInvalidRecipe = errors.New("invalid recipe")

// pinnedRef accepts name:MAJOR.MINOR with an optional suffix such as
// ".13" or "-slim", and any digest reference.
var (
	pinnedTag = regexp.MustCompile(`^\d+\.\d+([.\-_][A-Za-z0-9.\-_]*)?$`)
	digestRef = regexp.MustCompile(`@sha256:[a-f0-9]{64}$`)
)

var supportedManagers = map[string]bool{"apt": true, "apk": true, "dnf": true}

// Validate checks the recipe and returns every problem found, joined.
func (r *Recipe) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := checkBaseImage(r.From); err != nil {
		errs = append(errs, err)
	}
	if !path.IsAbs(r.Workdir) {
		add("workdir %q must be absolute", r.Workdir)
	}

	seen := map[string]bool{FromStepName: true, WorkdirStepName: true}
	var cmdIdx, exposeCount, cmdCount = -1, 0, 0
	var exposePort int
	copied := map[string]bool{}
	wholeTreeCopied := false

	for i, s := range r.Steps {
		if strings.TrimSpace(s.Name) == "" {
			add("step %d has no name", i)
		} else if seen[s.Name] {
			add("step name %q is reserved or used twice", s.Name)
		}
		seen[s.Name] = true

		switch s.Kind {
		case KindPackages:
			if len(s.Packages) == 0 {
				add("step %q: no packages listed", s.Name)
			}
			if !supportedManagers[s.Manager] {
				add("step %q: unsupported package manager %q", s.Name, s.Manager)
			}
		case KindClean:
			if len(s.Paths) == 0 {
				add("step %q: no paths to clean", s.Name)
			}
			for _, p := range s.Paths {
				if !path.IsAbs(p) || path.Clean(p) == "/" {
					add("step %q: clean path %q must be absolute and not the root", s.Name, p)
				}
			}
		case KindRun:
			if strings.TrimSpace(s.Shell) == "" {
				add("step %q: empty shell command", s.Name)
			}
		case KindCopy:
			if len(s.Src) == 0 || strings.TrimSpace(s.Dest) == "" {
				add("step %q: copy needs src and dest", s.Name)
			}
			for _, src := range s.Src {
				if escapesContext(src) {
					add("step %q: copy source %q leaves the build context", s.Name, src)
				}
				if isWholeTree(src) {
					wholeTreeCopied = true
				} else {
					copied[path.Clean(filepath.ToSlash(src))] = true
				}
			}
		case KindPip:
			if s.Manifest == "" {
				add("step %q: manifest is required", s.Name)
				break
			}
			if wholeTreeCopied {
				add("step %q: the whole source tree is copied before dependencies are installed, so any source change reinstalls them", s.Name)
			} else if !copied[path.Clean(filepath.ToSlash(s.Manifest))] {
				add("step %q: manifest %q is not copied by an earlier copy step", s.Name, s.Manifest)
			}
		case KindModel:
			if strings.TrimSpace(s.Model) == "" {
				add("step %q: model name is required", s.Name)
			}
		case KindExpose:
			exposeCount++
			exposePort = s.Port
			if s.Port < 1 || s.Port > 65535 {
				add("step %q: port %d out of range", s.Name, s.Port)
			}
		case KindCmd:
			cmdCount++
			cmdIdx = i
			if len(s.Argv) == 0 && s.App == "" {
				add("step %q: either app or argv is required", s.Name)
			}
		}
	}

	if exposeCount != 1 {
		add("expected exactly one expose step, found %d", exposeCount)
	}
	switch {
	case cmdCount != 1:
		add("expected exactly one cmd step, found %d", cmdCount)
	case cmdIdx != len(r.Steps)-1:
		add("the cmd step must be the last step")
	}
	if exposeCount == 1 && cmdCount == 1 {
		cmd, _ := r.Cmd()
		if p := cmd.CommandPort(); p != exposePort {
			add("exposed port %d does not match the startup command port %d", exposePort, p)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidRecipe, errors.Join(errs...))
}

func checkBaseImage(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("base image is required")
	}
	if digestRef.MatchString(ref) {
		return nil
	}
	name, tag, ok := strings.Cut(lastSegment(ref), ":")
	if !ok || name == "" {
		return fmt.Errorf("base image %q is not pinned: add a MAJOR.MINOR tag", ref)
	}
	if tag == "latest" || !pinnedTag.MatchString(tag) {
		return fmt.Errorf("base image %q must be pinned to a minor version, got tag %q", ref, tag)
	}
	return nil
}

// lastSegment strips a registry host (which may carry a port) from ref.
func lastSegment(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func escapesContext(src string) bool {
	if filepath.IsAbs(src) || path.IsAbs(src) {
		return true
	}
	clean := path.Clean(filepath.ToSlash(src))
	return clean == ".." || strings.HasPrefix(clean, "../")
}
