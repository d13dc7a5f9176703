package recipe

import (
	"fmt"
	"strings"

	"voxprov/internal/core"
)

// Compile validates the recipe and lowers it to core steps. The base image
// and workdir become the first two steps.
func (r *Recipe) Compile() ([]core.Step, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	steps := make([]core.Step, 0, len(r.Steps)+2)
	steps = append(steps,
		core.Step{Name: FromStepName, Kind: "from", Op: core.OpFrom, Base: r.From},
		core.Step{Name: WorkdirStepName, Kind: "workdir", Op: core.OpWorkdir, Dir: r.Workdir},
	)
	for _, s := range r.Steps {
		cs, err := s.compile()
		if err != nil {
			return nil, err
		}
		steps = append(steps, cs)
	}
	return steps, nil
}

func (s Step) compile() (core.Step, error) {
	cs := core.Step{Name: s.Name, Kind: string(s.Kind)}
	switch s.Kind {
	case KindPackages, KindClean, KindRun, KindPip, KindModel:
		cs.Op = core.OpRun
		cs.Shell = s.ShellCommand()
	case KindCopy:
		cs.Op = core.OpCopy
		cs.Sources = append([]string(nil), s.Src...)
		cs.Dest = s.Dest
	case KindExpose:
		cs.Op = core.OpExpose
		cs.Port = s.Port
	case KindCmd:
		cs.Op = core.OpCmd
		cs.Argv = s.CommandArgv()
	default:
		return cs, fmt.Errorf("step %q: unknown kind %q", s.Name, s.Kind)
	}
	return cs, nil
}

// ShellCommand returns the shell line a RUN-like step executes.
func (s Step) ShellCommand() string {
	switch s.Kind {
	case KindPackages:
		names := shellJoin(s.Packages)
		switch s.Manager {
		case "apk":
			return "apk add --no-cache " + names
		case "dnf":
			return "dnf install -y " + names
		default:
			return "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends " + names
		}
	case KindClean:
		// Paths are left unquoted so globs such as lists/* expand.
		return "rm -rf " + strings.Join(s.Paths, " ")
	case KindRun:
		return s.Shell
	case KindPip:
		argv := append([]string(nil), s.Installer...)
		if len(argv) == 0 {
			argv = append(argv, DefaultInstaller...)
		}
		if s.NoCache {
			argv = append(argv, "--no-cache-dir")
		}
		argv = append(argv, "-r", s.Manifest)
		return shellJoin(argv)
	case KindModel:
		argv := append([]string(nil), s.Downloader...)
		if len(argv) == 0 {
			argv = append(argv, DefaultDownloader...)
		}
		return shellJoin(append(argv, s.Model))
	}
	return ""
}

// shellJoin quotes each word for sh when needed.
func shellJoin(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = shellQuote(w)
	}
	return strings.Join(out, " ")
}

func shellQuote(w string) string {
	if w == "" {
		return "''"
	}
	safe := true
	for _, r := range w {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+,@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return w
	}
	return "'" + strings.ReplaceAll(w, "'", `'"'"'`) + "'"
}
