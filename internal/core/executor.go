package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// DefaultPath is the PATH given to RUN steps whose image env sets none.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// RootfsEnvVar names the variable carrying the image root to RUN steps that
// execute without chroot isolation.
const RootfsEnvVar = "VOXPROV_ROOTFS"

// Isolation selects how RUN steps see the image root.
type Isolation string

const (
	// IsolationNone runs on the host with the working directory inside the root.
	IsolationNone Isolation = "none"
	// IsolationChroot runs chrooted into the root. Requires privileges.
	IsolationChroot Isolation = "chroot"
)

// ParseIsolation validates an isolation name; empty means none.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(s) {
	case "", IsolationNone:
		return IsolationNone, nil
	case IsolationChroot:
		return IsolationChroot, nil
	default:
		return "", fmt.Errorf("unknown isolation %q (want none or chroot)", s)
	}
}

// ExecutionResult is the outcome of one RUN step.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor runs RUN steps against an image root.
//
// The environment is an allowlist: only the image env, PATH, HOME and (outside
// chroot) RootfsEnvVar are visible. Nothing leaks from the host. Each command
// gets its own process group so cancellation kills the whole tree.
type Executor struct {
	Root      string
	Isolation Isolation

	// Stdout and Stderr, when set, receive output as it is produced in
	// addition to the captured copy.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecutor creates an Executor for the given root.
func NewExecutor(root string, isolation Isolation) *Executor {
	return &Executor{Root: root, Isolation: isolation}
}

// Execute runs shell with `sh -c` in workdir (an absolute in-image path).
//
// A non-zero exit is reported through ExecutionResult.ExitCode, not as an
// error. Errors mean the command could not be run at all or was cancelled.
func (e *Executor) Execute(ctx context.Context, shell, workdir string, env map[string]string) (*ExecutionResult, error) {
	if shell == "" {
		return nil, errors.New("shell command is empty")
	}
	if workdir == "" {
		workdir = "/"
	}

	cmd := exec.Command("sh", "-c", shell)
	attr := &syscall.SysProcAttr{Setpgid: true}
	switch e.Isolation {
	case IsolationChroot:
		attr.Chroot = e.Root
		cmd.Dir = workdir
	default:
		dir := filepath.Join(e.Root, filepath.FromSlash(workdir))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("preparing working directory: %w", err)
		}
		cmd.Dir = dir
	}
	cmd.SysProcAttr = attr
	cmd.Env = buildIsolatedEnv(env, e.Root, e.Isolation)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeTo(&stdout, e.Stdout)
	cmd.Stderr = teeTo(&stderr, e.Stderr)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

func teeTo(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// ProcessEnv returns the environment a process started against root sees,
// built the same way as for RUN steps.
func ProcessEnv(env map[string]string, root string, iso Isolation) []string {
	return buildIsolatedEnv(env, root, iso)
}

// buildIsolatedEnv builds the allowlisted environment. Outside chroot HOME
// points inside the root so tools never write to the invoking user's home.
func buildIsolatedEnv(env map[string]string, root string, iso Isolation) []string {
	out := make([]string, 0, len(env)+3)
	if _, ok := env["PATH"]; !ok {
		out = append(out, "PATH="+DefaultPath)
	}
	if _, ok := env["HOME"]; !ok {
		home := "/root"
		if iso != IsolationChroot {
			home = filepath.Join(root, "root")
		}
		out = append(out, "HOME="+home)
	}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	if iso != IsolationChroot {
		out = append(out, RootfsEnvVar+"="+root)
	}
	return out
}
