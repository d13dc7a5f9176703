package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"voxprov/internal/core"
)

func TestExecutor_WithBuilder_RebuildIsFullyCached(t *testing.T) {
	ctxDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(ctxDir, "requirements_backend.txt"), []byte("fastapi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	steps := []core.Step{
		{Name: "base", Kind: "from", Op: core.OpFrom, Base: "python:3.10-slim"},
		{Name: "workdir", Kind: "workdir", Op: core.OpWorkdir, Dir: "/app"},
		{Name: "manifest", Kind: "copy", Op: core.OpCopy, Sources: []string{"requirements_backend.txt"}, Dest: "."},
		{Name: "deps", Kind: "run", Op: core.OpRun, Shell: "cp requirements_backend.txt installed.txt"},
		{Name: "server", Kind: "cmd", Op: core.OpCmd, Argv: []string{"true"}},
	}
	cache := core.NewMemoryCache()

	build := func() *Result {
		t.Helper()
		b, err := core.NewBuilder(core.BuilderOptions{
			ContextDir: ctxDir,
			StateDir:   filepath.Join(ctxDir, ".voxprov"),
			Isolation:  core.IsolationNone,
			Cache:      cache,
		})
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		plan, err := b.Plan(steps)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if _, err := b.Prepare(context.Background(), plan); err != nil {
			t.Fatalf("Prepare: %v", err)
		}
		p, err := NewPipeline(steps)
		if err != nil {
			t.Fatalf("NewPipeline: %v", err)
		}
		e, _ := NewExecutor(p, b)
		res, err := e.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res
	}

	first := build()
	if first.Count(StepCompleted) != len(steps) {
		t.Fatalf("first build states = %v", first.FinalState)
	}
	second := build()
	if second.Count(StepCached) != len(steps) || len(second.ExecutionOrder) != 0 {
		t.Fatalf("second build states = %v, order = %v", second.FinalState, second.ExecutionOrder)
	}
}
