package core

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func targets(set *InputSet) []string {
	out := make([]string, 0, set.Len())
	for _, in := range set.Inputs {
		out = append(out, in.Path+"->"+in.Target)
	}
	return out
}

func TestResolve_SingleFileTargetsBaseName(t *testing.T) {
	ctx := t.TempDir()
	writeTestFile(t, ctx, "requirements_backend.txt", "fastapi\n")
	writeTestFile(t, ctx, "api/server.py", "app = None\n")

	r, err := NewInputResolver(ctx)
	if err != nil {
		t.Fatalf("NewInputResolver: %v", err)
	}
	set, err := r.Resolve([]string{"requirements_backend.txt"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"requirements_backend.txt->requirements_backend.txt"}
	if got := targets(set); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if string(set.Inputs[0].Content) != "fastapi\n" {
		t.Fatalf("unexpected content %q", set.Inputs[0].Content)
	}
}

func TestResolve_WholeContextSortedAndRecursive(t *testing.T) {
	ctx := t.TempDir()
	writeTestFile(t, ctx, "z.txt", "z")
	writeTestFile(t, ctx, "api/server.py", "s")
	writeTestFile(t, ctx, "nlp/intent/model.py", "m")

	r, _ := NewInputResolver(ctx)
	set, err := r.Resolve([]string{"."})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{
		"api/server.py->api/server.py",
		"nlp/intent/model.py->nlp/intent/model.py",
		"z.txt->z.txt",
	}
	if got := targets(set); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResolve_HonorsDockerignoreAndExcludes(t *testing.T) {
	ctx := t.TempDir()
	writeTestFile(t, ctx, ".dockerignore", "# local junk\n**/__pycache__\n*.log\n!keep.log\n")
	writeTestFile(t, ctx, "api/__pycache__/server.cpython-310.pyc", "x")
	writeTestFile(t, ctx, "api/server.py", "s")
	writeTestFile(t, ctx, "debug.log", "d")
	writeTestFile(t, ctx, "keep.log", "k")
	writeTestFile(t, ctx, ".voxprov/rootfs/app/file", "state")

	r, err := NewInputResolver(ctx, filepath.Join(ctx, ".voxprov"))
	if err != nil {
		t.Fatalf("NewInputResolver: %v", err)
	}
	set, err := r.Resolve([]string{"."})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{
		".dockerignore->.dockerignore",
		"api/server.py->api/server.py",
		"keep.log->keep.log",
	}
	if got := targets(set); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestResolve_MissingSourceFails(t *testing.T) {
	r, _ := NewInputResolver(t.TempDir())
	if _, err := r.Resolve([]string{"requirements_backend.txt"}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestResolve_EscapingSourceFails(t *testing.T) {
	r, _ := NewInputResolver(t.TempDir())
	if _, err := r.Resolve([]string{"../etc/passwd"}); err == nil {
		t.Fatal("expected error for source outside the context")
	}
}

func TestResolve_GlobWithoutMatchesFails(t *testing.T) {
	ctx := t.TempDir()
	writeTestFile(t, ctx, "a.txt", "a")
	r, _ := NewInputResolver(ctx)
	if _, err := r.Resolve([]string{"*.cfg"}); err == nil {
		t.Fatal("expected error for glob without matches")
	}
	set, err := r.Resolve([]string{"*.txt"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected 1 input, got %d", set.Len())
	}
}

func TestIgnoreRules_LastMatchWins(t *testing.T) {
	rules := &IgnoreRules{}
	rules.Add("docs")
	rules.Add("!docs/README.md")

	cases := map[string]bool{
		"docs":            true,
		"docs/guide.md":   true,
		"docs/README.md":  false,
		"src/docs.py":     false,
		"documentation/x": false,
	}
	for rel, want := range cases {
		if got := rules.Match(rel); got != want {
			t.Errorf("Match(%q) = %v, want %v", rel, got, want)
		}
	}
	if !rules.HasExceptions() {
		t.Error("expected HasExceptions")
	}
}
