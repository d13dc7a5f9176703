package recipe

import (
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Kind is a recipe step kind.
type Kind string

const (
	KindPackages Kind = "packages"
	KindClean    Kind = "clean"
	KindRun      Kind = "run"
	KindCopy     Kind = "copy"
	KindPip      Kind = "pip"
	KindModel    Kind = "model"
	KindExpose   Kind = "expose"
	KindCmd      Kind = "cmd"
)

var knownKinds = map[Kind]bool{
	KindPackages: true, KindClean: true, KindRun: true, KindCopy: true,
	KindPip: true, KindModel: true, KindExpose: true, KindCmd: true,
}

// Reserved step names used for the implicit base and workdir steps.
const (
	FromStepName    = "from"
	WorkdirStepName = "workdir"
)

// Defaults applied when a step leaves the field unset.
const (
	DefaultManager    = "apt"
	DefaultServer     = "uvicorn"
	DefaultHost       = "0.0.0.0"
	DefaultServerPort = 8000
)

var (
	DefaultInstaller  = []string{"pip", "install"}
	DefaultDownloader = []string{"python", "-m", "spacy", "download"}
)

// Recipe is a decoded image description.
type Recipe struct {
	// Filename is where the recipe came from, for diagnostics.
	Filename string

	Name    string
	From    string
	Workdir string
	Env     map[string]string
	Steps   []Step

	// Variables holds the resolved value of every declared variable.
	Variables map[string]cty.Value
}

// Step is one step block. Only the fields of its Kind are meaningful.
type Step struct {
	Kind Kind
	Name string

	// packages
	Manager  string
	Packages []string

	// clean
	Paths []string

	// run
	Shell string

	// copy
	Src  []string
	Dest string

	// pip
	Manifest  string
	NoCache   bool
	Installer []string

	// model
	Model      string
	Downloader []string

	// expose, cmd
	Port int

	// cmd
	Server string
	App    string
	Host   string
	Reload bool
	Argv   []string
}

// Expose returns the expose step, if any.
func (r *Recipe) Expose() (Step, bool) {
	return r.find(KindExpose)
}

// Cmd returns the cmd step, if any.
func (r *Recipe) Cmd() (Step, bool) {
	return r.find(KindCmd)
}

func (r *Recipe) find(k Kind) (Step, bool) {
	for _, s := range r.Steps {
		if s.Kind == k {
			return s, true
		}
	}
	return Step{}, false
}

// CommandArgv returns the startup argv of a cmd step.
func (s Step) CommandArgv() []string {
	if len(s.Argv) > 0 {
		return append([]string(nil), s.Argv...)
	}
	server := s.Server
	if server == "" {
		server = DefaultServer
	}
	host := s.Host
	if host == "" {
		host = DefaultHost
	}
	port := s.Port
	if port == 0 {
		port = DefaultServerPort
	}
	argv := []string{server, s.App, "--host", host, "--port", strconv.Itoa(port)}
	if s.Reload {
		argv = append(argv, "--reload")
	}
	return argv
}

// CommandPort returns the port a cmd step's server binds to.
func (s Step) CommandPort() int {
	if len(s.Argv) == 0 {
		if s.Port == 0 {
			return DefaultServerPort
		}
		return s.Port
	}
	if p, ok := ArgvFlag(s.Argv, "--port"); ok {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
		return -1
	}
	return DefaultServerPort
}

// ArgvFlag finds the value of a `--flag value` or `--flag=value` argument.
func ArgvFlag(argv []string, flag string) (string, bool) {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1], true
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

// isWholeTree reports whether a copy source means the entire build context.
func isWholeTree(src string) bool {
	switch strings.TrimSpace(src) {
	case ".", "./", "*", "./*":
		return true
	}
	return false
}
