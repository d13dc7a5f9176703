package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"voxprov/internal/core"
)

const (
	moduleVersionScript = `import importlib, sys; m = importlib.import_module(sys.argv[1]); print(getattr(m, "__version__", ""))`
	loadModelScript     = `import spacy, sys; spacy.load(sys.argv[1])`
	pythonVersionScript = `import platform; print(platform.python_version())`
)

// ImageProber answers Prober questions by running commands against a
// built image root, the same way RUN steps run.
type ImageProber struct {
	Root    string
	Workdir string
	Env     map[string]string
	Python  string

	exec *core.Executor
}

// NewImageProber probes the image described by img.
func NewImageProber(img core.ImageConfig, iso core.Isolation) *ImageProber {
	return &ImageProber{
		Root:    img.Root,
		Workdir: img.Workdir,
		Env:     img.Env,
		Python:  "python",
		exec:    core.NewExecutor(img.Root, iso),
	}
}

func (p *ImageProber) run(ctx context.Context, argv ...string) (string, error) {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	res, err := p.exec.Execute(ctx, strings.Join(quoted, " "), p.Workdir, p.Env)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(string(res.Stderr))
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		return "", fmt.Errorf("exit status %d: %s", res.ExitCode, msg)
	}
	return string(bytes.TrimSpace(res.Stdout)), nil
}

func (p *ImageProber) LookPath(ctx context.Context, name string) (string, error) {
	out, err := p.run(ctx, "sh", "-c", `command -v "$1"`, "sh", name)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("%s not found", name)
	}
	return out, nil
}

func (p *ImageProber) PythonVersion(ctx context.Context) (string, error) {
	return p.run(ctx, p.Python, "-c", pythonVersionScript)
}

func (p *ImageProber) Import(ctx context.Context, stmt string) error {
	_, err := p.run(ctx, p.Python, "-c", stmt)
	return err
}

func (p *ImageProber) ModuleVersion(ctx context.Context, module string) (string, error) {
	return p.run(ctx, p.Python, "-c", moduleVersionScript, module)
}

func (p *ImageProber) DirExists(_ context.Context, dir string) (bool, error) {
	full := filepath.Join(p.Root, filepath.FromSlash(path.Join(p.Workdir, dir)))
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (p *ImageProber) LoadModel(ctx context.Context, model string) error {
	_, err := p.run(ctx, p.Python, "-c", loadModelScript, model)
	return err
}
