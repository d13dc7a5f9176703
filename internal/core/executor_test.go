package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExecutor_EnvironmentIsAllowlisted(t *testing.T) {
	t.Setenv("VOXPROV_HOST_SECRET", "leaked")
	root := t.TempDir()
	e := NewExecutor(root, IsolationNone)

	res, err := e.Execute(context.Background(), "env", "/app", map[string]string{"PYTHONUNBUFFERED": "1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := string(res.Stdout)
	if strings.Contains(out, "VOXPROV_HOST_SECRET") {
		t.Fatal("host environment leaked into the step")
	}
	for _, want := range []string{
		"PYTHONUNBUFFERED=1",
		"PATH=" + DefaultPath,
		"HOME=" + filepath.Join(root, "root"),
		RootfsEnvVar + "=" + root,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in env, got:\n%s", want, out)
		}
	}
}

func TestExecutor_RunsInWorkdirInsideRoot(t *testing.T) {
	root := t.TempDir()
	e := NewExecutor(root, IsolationNone)

	res, err := e.Execute(context.Background(), "echo hi > marker.txt", "/app", nil)
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("Execute: %v %+v", err, res)
	}
	if _, err := os.Stat(filepath.Join(root, "app", "marker.txt")); err != nil {
		t.Fatalf("expected marker in the image workdir: %v", err)
	}
}

func TestExecutor_NonZeroExitIsNotAnError(t *testing.T) {
	e := NewExecutor(t.TempDir(), IsolationNone)
	var live bytes.Buffer
	e.Stderr = &live

	res, err := e.Execute(context.Background(), "echo broken >&2; exit 42", "/", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 42 {
		t.Fatalf("exit code = %d, want 42", res.ExitCode)
	}
	if string(res.Stderr) != "broken\n" || live.String() != "broken\n" {
		t.Fatalf("stderr capture = %q, live = %q", res.Stderr, live.String())
	}
}

func TestExecutor_CancelKillsProcessGroup(t *testing.T) {
	e := NewExecutor(t.TempDir(), IsolationNone)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, "sleep 30 & sleep 30; wait", "/", nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
}

func TestExecutor_EmptyShellRejected(t *testing.T) {
	e := NewExecutor(t.TempDir(), IsolationNone)
	if _, err := e.Execute(context.Background(), "", "/", nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestParseIsolation(t *testing.T) {
	for in, want := range map[string]Isolation{"": IsolationNone, "none": IsolationNone, "chroot": IsolationChroot} {
		got, err := ParseIsolation(in)
		if err != nil || got != want {
			t.Fatalf("ParseIsolation(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseIsolation("vm"); err == nil {
		t.Fatal("expected error for unknown isolation")
	}
}
