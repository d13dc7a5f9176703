package recipe

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxprov/internal/core"
)

func TestDefault_CompilesToTenSteps(t *testing.T) {
	r, err := Default(nil)
	require.NoError(t, err)
	require.NoError(t, r.Validate())

	steps, err := r.Compile()
	require.NoError(t, err)
	require.Len(t, steps, 10)

	assert.Equal(t, core.Step{Name: "from", Kind: "from", Op: core.OpFrom, Base: "python:3.10-slim"}, steps[0])
	assert.Equal(t, "/app", steps[1].Dir)
	assert.Equal(t, "apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends ffmpeg git gcc g++", steps[2].Shell)
	assert.Equal(t, "rm -rf /var/lib/apt/lists/*", steps[3].Shell)
	assert.Equal(t, []string{"requirements_backend.txt"}, steps[4].Sources)
	assert.Equal(t, "pip install --no-cache-dir -r requirements_backend.txt", steps[5].Shell)
	assert.Equal(t, "python -m spacy download es_core_news_sm", steps[6].Shell)
	assert.Equal(t, []string{"."}, steps[7].Sources)
	assert.Equal(t, core.OpExpose, steps[8].Op)
	assert.Equal(t, 8000, steps[8].Port)
	assert.Equal(t,
		[]string{"uvicorn", "api.server:app", "--host", "0.0.0.0", "--port", "8000", "--reload"},
		steps[9].Argv)
	assert.Equal(t, "1", r.Env["PYTHONUNBUFFERED"])
}

func TestDefault_VariableOverrides(t *testing.T) {
	r, err := Default(map[string]string{"port": "8080", "python": "3.11"})
	require.NoError(t, err)
	assert.Equal(t, "python:3.11-slim", r.From)

	expose, ok := r.Expose()
	require.True(t, ok)
	assert.Equal(t, 8080, expose.Port)

	cmd, _ := r.Cmd()
	assert.Equal(t, 8080, cmd.CommandPort())
	require.NoError(t, r.Validate())
}

func TestParse_UnknownOverrideRejected(t *testing.T) {
	_, err := Default(map[string]string{"workers": "4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared variable")
}

func TestParse_BadNumberOverride(t *testing.T) {
	_, err := Default(map[string]string{"port": "http"})
	require.Error(t, err)
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse([]byte(`image "x" {`), "broken.hcl", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.hcl")
}

func TestParse_UnknownKind(t *testing.T) {
	src := `
image "x" {
  from    = "python:3.10-slim"
  workdir = "/app"
  step "teleport" "t" {}
}`
	_, err := Parse([]byte(src), "x.hcl", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown kind "teleport"`)
}

func TestLoad_FromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "voxprov.hcl")
	require.NoError(t, os.WriteFile(p, DefaultSource(), 0o644))
	r, err := Load(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "voice-backend", r.Name)
	assert.Equal(t, p, r.Filename)
}

const minimal = `
image "svc" {
  from    = "%s"
  workdir = "/app"

  step "copy" "manifest" {
    src  = ["requirements.txt"]
    dest = "."
  }
  step "pip"    "deps"     { manifest = "requirements.txt" }
  step "expose" "http"     { port = %d }
  step "cmd" "server" {
    app  = "api.server:app"
    port = 8000
  }
}
`

func parseMinimal(t *testing.T, from string, expose int) *Recipe {
	t.Helper()
	r, err := Parse([]byte(fmt.Sprintf(minimal, from, expose)), "min.hcl", nil)
	require.NoError(t, err)
	return r
}

func TestValidate_BaseImagePinning(t *testing.T) {
	cases := []struct {
		ref    string
		pinned bool
	}{
		{"python:3.10-slim", true},
		{"python:3.10", true},
		{"python:3.10.13-slim", true},
		{"registry:5000/py:3.10", true},
		{"python@sha256:" + strings.Repeat("a", 64), true},
		{"python", false},
		{"python:latest", false},
		{"python:3", false},
		{"python:3-slim", false},
		{"python:slim", false},
	}
	for _, tc := range cases {
		err := parseMinimal(t, tc.ref, 8000).Validate()
		if tc.pinned {
			assert.NoError(t, err, tc.ref)
		} else {
			assert.ErrorIs(t, err, ErrInvalidRecipe, tc.ref)
		}
	}
}

func TestValidate_PortMismatch(t *testing.T) {
	err := parseMinimal(t, "python:3.10-slim", 9000).Validate()
	require.ErrorIs(t, err, ErrInvalidRecipe)
	assert.Contains(t, err.Error(), "exposed port 9000 does not match the startup command port 8000")
}

func TestValidate_ArgvPortIsChecked(t *testing.T) {
	r := parseMinimal(t, "python:3.10-slim", 8000)
	r.Steps[len(r.Steps)-1].Argv = []string{"hypercorn", "api.server:app", "--bind", "0.0.0.0:8000", "--port=8001"}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup command port 8001")
}

func TestValidate_ManifestMustBeCopiedNarrowlyFirst(t *testing.T) {
	r := parseMinimal(t, "python:3.10-slim", 8000)
	r.Steps[0].Src = []string{"."}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole source tree is copied before dependencies")

	r = parseMinimal(t, "python:3.10-slim", 8000)
	r.Steps[0].Src = []string{"other.txt"}
	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `manifest "requirements.txt" is not copied`)
}

func TestValidate_StructuralRules(t *testing.T) {
	r := parseMinimal(t, "python:3.10-slim", 8000)
	r.Workdir = "app"
	r.Steps = append(r.Steps, Step{Kind: KindRun, Name: "deps", Shell: "true"})
	r.Steps = append(r.Steps, Step{Kind: KindCopy, Name: "escape", Src: []string{"../secrets"}, Dest: "."})

	err := r.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `workdir "app" must be absolute`)
	assert.Contains(t, msg, `"deps" is reserved or used twice`)
	assert.Contains(t, msg, "leaves the build context")
	assert.Contains(t, msg, "cmd step must be the last step")
}

func TestValidate_ReservedNames(t *testing.T) {
	r := parseMinimal(t, "python:3.10-slim", 8000)
	r.Steps[0].Name = FromStepName
	require.Error(t, r.Validate())
}

func TestShellCommand_PackageManagersAndOverrides(t *testing.T) {
	assert.Equal(t, "apk add --no-cache ffmpeg git", Step{Kind: KindPackages, Manager: "apk", Packages: []string{"ffmpeg", "git"}}.ShellCommand())
	assert.Equal(t, "dnf install -y gcc", Step{Kind: KindPackages, Manager: "dnf", Packages: []string{"gcc"}}.ShellCommand())
	assert.Equal(t, "python -m pip install -r 'my reqs.txt'",
		Step{Kind: KindPip, Manifest: "my reqs.txt", Installer: []string{"python", "-m", "pip", "install"}}.ShellCommand())
	assert.Equal(t, "./fetch es_core_news_sm", Step{Kind: KindModel, Model: "es_core_news_sm", Downloader: []string{"./fetch"}}.ShellCommand())
}

func TestRender_Dockerfile(t *testing.T) {
	r, err := Default(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf))
	out := buf.String()

	assert.Contains(t, out, "FROM python:3.10-slim\n")
	assert.Contains(t, out, "WORKDIR /app\n")
	assert.Contains(t, out, "ENV PYTHONUNBUFFERED=\"1\"\n")
	assert.Contains(t, out, "COPY requirements_backend.txt .\n")
	assert.Contains(t, out, "RUN pip install --no-cache-dir -r requirements_backend.txt\n")
	assert.Contains(t, out, "EXPOSE 8000\n")
	assert.Contains(t, out, `CMD ["uvicorn","api.server:app","--host","0.0.0.0","--port","8000","--reload"]`)

	assert.Less(t, strings.Index(out, "COPY requirements_backend.txt"), strings.Index(out, "RUN pip install"))
	assert.Less(t, strings.Index(out, "RUN pip install"), strings.Index(out, "COPY . ."))
}
