package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// RunResult is the outcome of probing or running one step.
type RunResult struct {
	Key      LayerKey
	Stdout   []byte
	Stderr   []byte
	ExitCode int

	// FromCache is set when the layer came from the cache instead of running.
	FromCache bool

	// Materialized is set when the layer was already present in the image
	// root from a previous build and nothing had to be written.
	Materialized bool

	// Entries is the number of filesystem entries written.
	Entries int
}

// PlannedStep is a step with its precomputed identity.
type PlannedStep struct {
	Step    Step
	Key     LayerKey
	Parent  LayerKey
	Workdir string
	Inputs  *InputSet
}

// Plan is the keyed form of a step list. Keys can be computed without
// running anything because they only depend on definitions and the build
// context.
type Plan struct {
	Steps []PlannedStep
}

// Keys returns the layer keys in step order.
func (p *Plan) Keys() []LayerKey {
	keys := make([]LayerKey, len(p.Steps))
	for i, s := range p.Steps {
		keys[i] = s.Key
	}
	return keys
}

// BuilderOptions configures NewBuilder.
type BuilderOptions struct {
	// ContextDir is the build context COPY sources are resolved against.
	ContextDir string

	// StateDir holds the image root and its manifest. It is excluded from
	// COPY inputs when it lives inside the context.
	StateDir string

	// Root overrides the image root location (default StateDir/rootfs).
	Root string

	Env       map[string]string
	BaseRoots map[string]string
	Isolation Isolation
	Cache     Cache
}

// Builder materializes a Plan into an image root, one step at a time.
//
// It keeps a manifest of the layers currently applied to the root. A build
// that shares a prefix with the previous one reuses the root as is; anything
// else (a changed step, a failed step that left the root dirty) rebuilds the
// root from cached layers first.
type Builder struct {
	Root         string
	ContextDir   string
	ManifestPath string
	Env          map[string]string
	BaseRoots    map[string]string

	Cache      Cache
	Executor   *Executor
	Resolver   *InputResolver
	Hasher     *LayerHasher
	Replayer   *Replayer
	Normalizer OutputNormalizer

	plan         *Plan
	pos          int
	materialized int
	applied      []LayerKey
	image        ImageConfig
}

// NewBuilder wires a Builder from options.
func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if strings.TrimSpace(opts.ContextDir) == "" {
		return nil, errors.New("build context is required")
	}
	if strings.TrimSpace(opts.StateDir) == "" {
		return nil, errors.New("state dir is required")
	}
	root := opts.Root
	if root == "" {
		root = filepath.Join(opts.StateDir, "rootfs")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolver, err := NewInputResolver(opts.ContextDir, opts.StateDir, root)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NoCache{}
	}
	return &Builder{
		Root:         root,
		ContextDir:   opts.ContextDir,
		ManifestPath: filepath.Join(opts.StateDir, "rootfs.json"),
		Env:          copyEnv(opts.Env),
		BaseRoots:    opts.BaseRoots,
		Cache:        cache,
		Executor:     NewExecutor(root, opts.Isolation),
		Resolver:     resolver,
		Hasher:       NewLayerHasher(),
		Replayer:     NewReplayer(root),
		Normalizer:   NewLogNormalizer(),
	}, nil
}

// Plan validates steps and computes every layer key.
func (b *Builder) Plan(steps []Step) (*Plan, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps to build")
	}
	plan := &Plan{Steps: make([]PlannedStep, 0, len(steps))}
	parent := LayerKey("")
	workdir := "/"
	for _, s := range steps {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		var inputs *InputSet
		if s.Op == OpCopy {
			in, err := b.Resolver.Resolve(s.Sources)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", s.Name, err)
			}
			inputs = in
		}
		key := b.Hasher.ComputeKey(LayerKeyInput{
			Parent:  parent,
			Step:    s,
			Env:     b.Env,
			Workdir: workdir,
			Inputs:  inputs,
		})
		plan.Steps = append(plan.Steps, PlannedStep{Step: s, Key: key, Parent: parent, Workdir: workdir, Inputs: inputs})
		if s.Op == OpWorkdir {
			workdir = s.Dir
		}
		parent = key
	}
	return plan, nil
}

// Prepare reconciles the image root with plan and resets the step cursor.
// It returns the number of leading steps already materialized in the root.
func (b *Builder) Prepare(ctx context.Context, plan *Plan) (int, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return 0, errors.New("empty plan")
	}
	b.plan = plan
	b.pos = 0
	b.image = ImageConfig{Root: b.Root, Env: copyEnv(b.Env), Workdir: "/"}

	keys := plan.Keys()
	m, found, err := b.loadManifest()
	if err != nil {
		return 0, err
	}
	prefix := 0
	if found {
		if _, err := os.Stat(b.Root); err != nil {
			found = false
		}
	}
	if found {
		for prefix < len(m.Applied) && prefix < len(keys) && m.Applied[prefix] == keys[prefix] {
			prefix++
		}
	}
	if !found || m.Dirty || prefix != len(m.Applied) {
		prefix, err = b.restore(ctx, keys[:prefix])
		if err != nil {
			return 0, err
		}
	}
	b.materialized = prefix
	b.applied = append([]LayerKey(nil), keys[:prefix]...)
	if err := b.saveManifest(false); err != nil {
		return 0, err
	}
	return prefix, nil
}

// Reset discards the image root and its manifest.
func (b *Builder) Reset() error {
	if err := os.RemoveAll(b.Root); err != nil {
		return err
	}
	if err := os.Remove(b.ManifestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	b.applied = nil
	b.materialized = 0
	return nil
}

// Probe satisfies the next step without running it when possible.
func (b *Builder) Probe(ctx context.Context, step Step) (*RunResult, bool, error) {
	ps, err := b.current(step)
	if err != nil {
		return nil, false, err
	}
	if b.pos < b.materialized {
		b.advance(ps)
		return &RunResult{Key: ps.Key, FromCache: true, Materialized: true}, true, nil
	}

	hit, err := b.Cache.Has(ctx, ps.Key)
	if err != nil {
		return nil, false, fmt.Errorf("checking cache: %w", err)
	}
	if !hit {
		return nil, false, nil
	}
	layer, err := b.Cache.Get(ctx, ps.Key)
	if err != nil {
		return nil, false, fmt.Errorf("retrieving layer: %w", err)
	}
	if layer == nil {
		// Evicted between Has and Get.
		return nil, false, nil
	}

	if err := b.saveManifest(true); err != nil {
		return nil, false, err
	}
	n, err := b.Replayer.Apply(layer)
	if err != nil {
		return nil, false, fmt.Errorf("replaying layer: %w", err)
	}
	if err := b.commit(ps.Key); err != nil {
		return nil, false, err
	}
	b.advance(ps)
	return &RunResult{
		Key:       ps.Key,
		Stdout:    layer.Stdout,
		Stderr:    layer.Stderr,
		FromCache: true,
		Entries:   n,
	}, true, nil
}

// Run executes the next step and stores its layer on success.
//
// A non-zero exit is returned in RunResult.ExitCode. Nothing is cached for
// it and the root stays marked dirty, so the next build starts over from the
// last good layer.
func (b *Builder) Run(ctx context.Context, step Step) (*RunResult, error) {
	ps, err := b.current(step)
	if err != nil {
		return nil, err
	}
	if err := b.saveManifest(true); err != nil {
		return nil, err
	}
	before, err := TakeSnapshot(b.Root)
	if err != nil {
		return nil, err
	}

	out, err := b.perform(ctx, ps)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", ps.Step.Name, err)
	}
	stdout := b.normalize(out.Stdout)
	stderr := b.normalize(out.Stderr)
	if out.ExitCode != 0 {
		return &RunResult{Key: ps.Key, Stdout: stdout, Stderr: stderr, ExitCode: out.ExitCode}, nil
	}

	after, err := TakeSnapshot(b.Root)
	if err != nil {
		return nil, err
	}
	files, deleted, err := Diff(before, after)
	if err != nil {
		return nil, err
	}
	layer := &Layer{
		Key:     ps.Key,
		Step:    ps.Step.Name,
		Op:      ps.Step.Op,
		Stdout:  stdout,
		Stderr:  stderr,
		Files:   files,
		Deleted: deleted,
	}
	if err := b.Cache.Put(ctx, layer); err != nil {
		return nil, fmt.Errorf("storing layer: %w", err)
	}
	if err := b.commit(ps.Key); err != nil {
		return nil, err
	}
	b.advance(ps)
	return &RunResult{Key: ps.Key, Stdout: stdout, Stderr: stderr, Entries: len(files) + len(deleted)}, nil
}

// Image returns the image config accumulated so far.
func (b *Builder) Image() ImageConfig {
	cfg := b.image
	cfg.Env = copyEnv(b.image.Env)
	cfg.ExposedPorts = append([]int(nil), b.image.ExposedPorts...)
	cfg.Cmd = append([]string(nil), b.image.Cmd...)
	cfg.Layers = append([]LayerKey(nil), b.image.Layers...)
	return cfg
}

func (b *Builder) current(step Step) (PlannedStep, error) {
	if b.plan == nil {
		return PlannedStep{}, errors.New("builder has no prepared plan")
	}
	if b.pos >= len(b.plan.Steps) {
		return PlannedStep{}, fmt.Errorf("step %q is past the end of the plan", step.Name)
	}
	ps := b.plan.Steps[b.pos]
	if ps.Step.Name != step.Name {
		return PlannedStep{}, fmt.Errorf("step %q out of order: expected %q", step.Name, ps.Step.Name)
	}
	return ps, nil
}

func (b *Builder) advance(ps PlannedStep) {
	b.image.apply(ps.Step, ps.Key)
	b.pos++
}

func (b *Builder) normalize(out []byte) []byte {
	if b.Normalizer == nil {
		return out
	}
	return b.Normalizer.Normalize(out)
}

func (b *Builder) perform(ctx context.Context, ps PlannedStep) (*ExecutionResult, error) {
	s := ps.Step
	switch s.Op {
	case OpFrom:
		if err := os.MkdirAll(b.Root, 0o755); err != nil {
			return nil, err
		}
		src, ok := b.BaseRoots[s.Base]
		if !ok {
			return &ExecutionResult{Stdout: []byte("no local root for " + s.Base + ", starting empty\n")}, nil
		}
		if err := copyTree(src, b.Root); err != nil {
			return nil, fmt.Errorf("importing base %s: %w", s.Base, err)
		}
		return &ExecutionResult{Stdout: []byte("imported " + s.Base + " from " + src + "\n")}, nil

	case OpWorkdir:
		dir := filepath.Join(b.Root, filepath.FromSlash(s.Dir))
		return &ExecutionResult{}, os.MkdirAll(dir, 0o755)

	case OpRun:
		return b.Executor.Execute(ctx, s.Shell, ps.Workdir, b.Env)

	case OpCopy:
		n, err := b.copyInputs(ps)
		if err != nil {
			return nil, err
		}
		return &ExecutionResult{Stdout: []byte(fmt.Sprintf("copied %d file(s)\n", n))}, nil

	case OpExpose, OpCmd:
		return &ExecutionResult{}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", s.Op)
	}
}

func (b *Builder) copyInputs(ps PlannedStep) (int, error) {
	s := ps.Step
	dest := s.Dest
	if !path.IsAbs(dest) {
		dest = path.Join(ps.Workdir, dest)
	}
	destAbs := filepath.Join(b.Root, filepath.FromSlash(dest))

	asFile := false
	if len(s.Sources) == 1 && ps.Inputs.Len() == 1 && !strings.HasSuffix(s.Dest, "/") && s.Dest != "." {
		srcInfo, err := os.Stat(filepath.Join(b.ContextDir, filepath.FromSlash(s.Sources[0])))
		if err == nil && !srcInfo.IsDir() {
			if info, err := os.Stat(destAbs); err != nil || !info.IsDir() {
				asFile = true
			}
		}
	}

	for _, in := range ps.Inputs.Inputs {
		target := destAbs
		if !asFile {
			target = filepath.Join(destAbs, filepath.FromSlash(in.Target))
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, err
		}
		if in.Mode&fs.ModeSymlink != 0 {
			_ = os.RemoveAll(target)
			if err := os.Symlink(string(in.Content), target); err != nil {
				return 0, err
			}
			continue
		}
		if err := writeFileAtomic(target, in.Content, in.Mode.Perm()); err != nil {
			return 0, fmt.Errorf("copying %s: %w", in.Path, err)
		}
	}
	return ps.Inputs.Len(), nil
}

// restore rebuilds the root from the given cached layers. When one of them
// is no longer cached the root is left empty and 0 is returned.
func (b *Builder) restore(ctx context.Context, keys []LayerKey) (int, error) {
	wipe := func() error {
		if err := os.RemoveAll(b.Root); err != nil {
			return fmt.Errorf("clearing image root: %w", err)
		}
		return os.MkdirAll(b.Root, 0o755)
	}
	if err := wipe(); err != nil {
		return 0, err
	}
	for _, k := range keys {
		layer, err := b.Cache.Get(ctx, k)
		if err != nil {
			return 0, fmt.Errorf("retrieving layer %s: %w", k.Short(), err)
		}
		if layer == nil {
			return 0, wipe()
		}
		if _, err := b.Replayer.Apply(layer); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

type rootManifest struct {
	Applied []LayerKey `json:"applied"`
	Dirty   bool       `json:"dirty"`
}

func (b *Builder) loadManifest() (rootManifest, bool, error) {
	var m rootManifest
	data, err := os.ReadFile(b.ManifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, false, nil
		}
		return m, false, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		// An unreadable manifest means the root state is unknown.
		return rootManifest{Dirty: true}, true, nil
	}
	return m, true, nil
}

func (b *Builder) saveManifest(dirty bool) error {
	m := rootManifest{Applied: b.applied, Dirty: dirty}
	if m.Applied == nil {
		m.Applied = []LayerKey{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.ManifestPath), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.ManifestPath, data, 0o644)
}

func (b *Builder) commit(key LayerKey) error {
	b.applied = append(b.applied, key)
	return b.saveManifest(false)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.RemoveAll(target)
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return writeFileAtomic(target, data, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
