package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"voxprov/internal/config"
)

const testRecipe = `
variable "port" {
  default = 8765
}

image "test-backend" {
  from    = "python:3.10-slim"
  workdir = "/app"

  step "copy" "manifest" {
    src  = ["requirements.txt"]
    dest = "."
  }

  step "pip" "deps" {
    manifest  = "requirements.txt"
    no_cache  = false
    installer = ["sh", "-c", "if grep -q nonexistent \"$2\"; then echo 'ERROR: No matching distribution found' >&2; exit 1; fi; cp \"$2\" installed.txt", "pip"]
  }

  step "model" "nlp" {
    name       = "es_core_news_sm"
    downloader = ["sh", "-c", "echo \"$1\" > model.txt", "download"]
  }

  step "copy" "source" {
    src  = ["."]
    dest = "."
  }

  step "expose" "http" {
    port = var.port
  }

  step "cmd" "server" {
    app    = "api.server:app"
    port   = var.port
    reload = false
  }
}
`

type testWorkspace struct {
	Context string
	Out     string
	Stdout  *bytes.Buffer
	Stderr  *bytes.Buffer
}

// newWorkspace lays out a build context with the test recipe, a dependency
// manifest and a small source tree.
func newWorkspace(t *testing.T) *testWorkspace {
	t.Helper()
	ws := &testWorkspace{Context: t.TempDir(), Out: t.TempDir(), Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	ws.write(t, "recipe.hcl", testRecipe)
	ws.write(t, "requirements.txt", "fastapi==0.104.1\n")
	ws.write(t, "api/server.py", "app = None\n")
	return ws
}

func (ws *testWorkspace) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(ws.Context, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (ws *testWorkspace) config() config.Config {
	cfg := config.Default()
	cfg.Recipe = "recipe.hcl"
	cfg.Context = ws.Context
	cfg.StateDir = filepath.Join(ws.Context, ".voxprov")
	cfg.Preflight.Companions = nil
	return cfg
}

func (ws *testWorkspace) session(cfg config.Config) *Session {
	return NewSessionFromConfig(cfg, nil, ws.Stdout, ws.Stderr)
}

func (ws *testWorkspace) tracePath() string {
	return filepath.Join(ws.Out, "trace.json")
}

func (ws *testWorkspace) rootFile(t *testing.T, cfg config.Config, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(cfg.StateDir, "rootfs", filepath.FromSlash(rel)))
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}
