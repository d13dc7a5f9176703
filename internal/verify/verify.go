// Package verify checks that a built image has what the backend needs:
// the Python interpreter line, native tools, Python modules at their minimum
// versions, the source tree layout and the NLP model.
package verify

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// Status of a single check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Kind of a single check.
type Kind string

const (
	KindPython    Kind = "python"
	KindBinary    Kind = "binary"
	KindModule    Kind = "module"
	KindImport    Kind = "import"
	KindDirectory Kind = "directory"
	KindModel     Kind = "model"
)

var kindOrder = []Kind{KindPython, KindBinary, KindModule, KindImport, KindDirectory, KindModel}

// Module is a Python module with an optional minimum version.
type Module struct {
	Name       string
	MinVersion string
}

// Prober answers questions about an image.
type Prober interface {
	// PythonVersion returns the interpreter version, such as "3.10.11".
	PythonVersion(ctx context.Context) (string, error)
	LookPath(ctx context.Context, name string) (string, error)
	// ModuleVersion imports module and returns its __version__, empty if
	// the module declares none.
	ModuleVersion(ctx context.Context, module string) (string, error)
	// Import runs a single Python import statement.
	Import(ctx context.Context, stmt string) error
	DirExists(ctx context.Context, dir string) (bool, error)
	LoadModel(ctx context.Context, model string) error
}

// Result of one check.
type Result struct {
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Checker runs the configured checks against a Prober.
type Checker struct {
	Prober   Prober
	// Python is the required interpreter line, major.minor. Empty skips
	// the check.
	Python   string
	Binaries []string
	Modules  []Module
	Imports  []string
	Dirs     []string
	Models   []string
	Logger   *zap.Logger
}

// NewChecker returns a Checker with the backend's requirements.
func NewChecker(p Prober, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		Prober:   p,
		Python:   "3.10",
		Binaries: []string{"ffmpeg", "git", "gcc", "g++"},
		Modules: []Module{
			{Name: "fastapi", MinVersion: "0.104.0"},
			{Name: "uvicorn", MinVersion: "0.24.0"},
			{Name: "torch", MinVersion: "2.1.0"},
			{Name: "whisper"},
			{Name: "TTS", MinVersion: "0.21.0"},
			{Name: "spacy", MinVersion: "3.7.0"},
			{Name: "numpy", MinVersion: "1.24.0"},
			{Name: "requests", MinVersion: "2.31.0"},
		},
		Imports: []string{
			"from fastapi import FastAPI",
			"import whisper",
			"from TTS.api import TTS",
			"import spacy",
			"import torch",
			"import numpy as np",
		},
		Dirs:   []string{".", "api", "stt", "tts", "nlp", "audio", "rasa_project"},
		Models: []string{"es_core_news_sm"},
		Logger: logger.Named("verify"),
	}
}

// Run executes every check. Errors from the prober are reported as failed
// checks; Run itself only fails when ctx is done.
func (c *Checker) Run(ctx context.Context) (Report, error) {
	var results []Result
	add := func(r Result) {
		c.Logger.Debug("check", zap.String("kind", string(r.Kind)), zap.String("name", r.Name),
			zap.String("status", string(r.Status)), zap.String("detail", r.Detail))
		results = append(results, r)
	}

	if c.Python != "" {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		add(checkPython(ctx, c.Prober, c.Python))
	}

	for _, bin := range c.Binaries {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		path, err := c.Prober.LookPath(ctx, bin)
		if err != nil {
			add(Result{Kind: KindBinary, Name: bin, Status: StatusFail, Detail: "not found"})
			continue
		}
		add(Result{Kind: KindBinary, Name: bin, Status: StatusOK, Detail: path})
	}

	for _, m := range c.Modules {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		add(checkModule(ctx, c.Prober, m))
	}

	for _, stmt := range c.Imports {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		if err := c.Prober.Import(ctx, stmt); err != nil {
			add(Result{Kind: KindImport, Name: stmt, Status: StatusFail, Detail: err.Error()})
			continue
		}
		add(Result{Kind: KindImport, Name: stmt, Status: StatusOK})
	}

	for _, d := range c.Dirs {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		ok, err := c.Prober.DirExists(ctx, d)
		switch {
		case err != nil:
			add(Result{Kind: KindDirectory, Name: d, Status: StatusFail, Detail: err.Error()})
		case !ok:
			add(Result{Kind: KindDirectory, Name: d, Status: StatusFail, Detail: "missing"})
		default:
			add(Result{Kind: KindDirectory, Name: d, Status: StatusOK})
		}
	}

	for _, model := range c.Models {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		if err := c.Prober.LoadModel(ctx, model); err != nil {
			add(Result{Kind: KindModel, Name: model, Status: StatusFail, Detail: err.Error()})
			continue
		}
		add(Result{Kind: KindModel, Name: model, Status: StatusOK})
	}

	return Report{Results: results}, nil
}

func checkPython(ctx context.Context, p Prober, want string) Result {
	r := Result{Kind: KindPython, Name: "python " + want}
	version, err := p.PythonVersion(ctx)
	if err != nil {
		r.Status, r.Detail = StatusFail, "interpreter not found"
		return r
	}
	have := semver.MajorMinor(Canonical(version))
	if have == "" || have != semver.MajorMinor(Canonical(want)) {
		r.Status, r.Detail = StatusFail, fmt.Sprintf("%s, want %s.x", version, want)
		return r
	}
	r.Status, r.Detail = StatusOK, version
	return r
}

func checkModule(ctx context.Context, p Prober, m Module) Result {
	r := Result{Kind: KindModule, Name: m.Name}
	version, err := p.ModuleVersion(ctx, m.Name)
	if err != nil {
		r.Status, r.Detail = StatusFail, "not installed"
		return r
	}
	r.Status, r.Detail = StatusOK, version
	if m.MinVersion == "" {
		return r
	}
	if AtLeast(version, m.MinVersion) {
		return r
	}
	r.Status = StatusWarn
	if version == "" {
		r.Detail = fmt.Sprintf("unknown version, want >= %s", m.MinVersion)
	} else {
		r.Detail = fmt.Sprintf("%s < %s", version, m.MinVersion)
	}
	return r
}

var pyVersion = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:\.\d+)*([A-Za-z][0-9A-Za-z.]*)?`)

// Canonical turns a Python package version into a semantic version, or ""
// when it cannot. Local version labels are dropped and pre-release
// suffixes kept, so "2.1.0+cu118" becomes "v2.1.0" and "2.2.0rc1"
// becomes "v2.2.0-rc1".
func Canonical(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	m := pyVersion.FindStringSubmatch(v)
	if m == nil {
		return ""
	}
	parts := []string{m[1], lo.Ternary(m[2] == "", "0", m[2]), lo.Ternary(m[3] == "", "0", m[3])}
	out := "v" + strings.Join(parts, ".")
	if pre := strings.Trim(m[4], "."); pre != "" {
		out += "-" + strings.ReplaceAll(pre, ".", "")
	}
	if !semver.IsValid(out) {
		return ""
	}
	return out
}

// AtLeast reports whether version >= minimum. Unparseable versions never
// satisfy a minimum.
func AtLeast(version, minimum string) bool {
	v, m := Canonical(version), Canonical(minimum)
	if v == "" || m == "" {
		return false
	}
	return semver.Compare(v, m) >= 0
}

// Report is the outcome of a verification run.
type Report struct {
	Results []Result `json:"results"`
}

// OK reports whether no check failed. Warnings do not fail a report.
func (r Report) OK() bool {
	return !lo.ContainsBy(r.Results, func(res Result) bool { return res.Status == StatusFail })
}

// Failed returns the failed checks.
func (r Report) Failed() []Result {
	return lo.Filter(r.Results, func(res Result, _ int) bool { return res.Status == StatusFail })
}

// Suggestions returns remediation hints for failed and warned checks.
func (r Report) Suggestions() []string {
	var out []string
	for _, res := range r.Results {
		switch {
		case res.Status == StatusOK:
		case res.Kind == KindPython:
			out = append(out, fmt.Sprintf("use a Python %s base image in the recipe's base step", strings.TrimPrefix(res.Name, "python ")))
		case res.Kind == KindBinary:
			out = append(out, "add the missing native tools to the recipe's packages step and rebuild")
		case res.Kind == KindImport, res.Kind == KindModule && res.Status == StatusFail:
			out = append(out, "reinstall the dependency manifest: voxprov build --cache none")
		case res.Kind == KindModule:
			out = append(out, fmt.Sprintf("raise the pinned version of %s in the dependency manifest", res.Name))
		case res.Kind == KindDirectory:
			out = append(out, "check the application source tree layout in the build context")
		case res.Kind == KindModel:
			out = append(out, fmt.Sprintf("download the model: python -m spacy download %s", res.Name))
		}
	}
	return lo.Uniq(out)
}

// Write renders the report for a terminal.
func (r Report) Write(w io.Writer) error {
	counts := lo.CountValuesBy(r.Results, func(res Result) Status { return res.Status })
	grouped := lo.GroupBy(r.Results, func(res Result) Kind { return res.Kind })
	for _, kind := range kindOrder {
		results := grouped[kind]
		if len(results) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s:\n", kind); err != nil {
			return err
		}
		for _, res := range results {
			mark := map[Status]string{StatusOK: "✓", StatusWarn: "⚠", StatusFail: "✗"}[res.Status]
			if _, err := fmt.Fprintf(w, "  %s %-20s %s\n", mark, res.Name, res.Detail); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(w, "\n%d ok, %d warnings, %d failed\n",
		counts[StatusOK], counts[StatusWarn], counts[StatusFail]); err != nil {
		return err
	}
	for _, s := range r.Suggestions() {
		if _, err := fmt.Fprintf(w, "  - %s\n", s); err != nil {
			return err
		}
	}
	return nil
}
