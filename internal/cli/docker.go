package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"voxprov/internal/recipe"
	"voxprov/internal/state"
)

// DockerfileName is the rendered build file, relative to the state dir.
const DockerfileName = "Dockerfile"

// dockerBuild renders the recipe and hands it to `docker build`. It returns
// the exit code to use when it fails.
func (s *Session) dockerBuild(ctx context.Context, rcp *recipe.Recipe) (int, error) {
	cfg := s.Config
	logger := s.Logger.Named("docker")

	path := filepath.Join(cfg.StateDir, DockerfileName)
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return ExitConfigError, &state.WorkspaceFailureError{Code: "StateDir", Message: err.Error(), Cause: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return ExitConfigError, &state.WorkspaceFailureError{Code: "Dockerfile", Message: err.Error(), Cause: err}
	}
	if err := rcp.Render(f); err != nil {
		_ = f.Close()
		return ExitConfigError, &state.RecipeFailureError{Code: "RenderFailed", Message: err.Error(), Cause: err}
	}
	if err := f.Close(); err != nil {
		return ExitConfigError, &state.WorkspaceFailureError{Code: "Dockerfile", Message: err.Error(), Cause: err}
	}

	binary := cfg.Docker.Binary
	if binary == "" {
		binary = "docker"
	}
	args := []string{"build", "-f", path}
	if cfg.Docker.Tag != "" {
		args = append(args, "-t", cfg.Docker.Tag)
	}
	args = append(args, cfg.Context)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = s.Stderr
	cmd.Stderr = s.Stderr
	logger.Info("running docker build", zap.String("binary", binary), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExitStepFailure, &state.StepFailureError{
				Step:     "docker-build",
				Kind:     "docker",
				ExitCode: exitErr.ExitCode(),
				Message:  fmt.Sprintf("docker build exited with code %d", exitErr.ExitCode()),
			}
		}
		return ExitConfigError, &state.WorkspaceFailureError{Code: "DockerUnavailable", Message: err.Error(), Cause: err}
	}
	logger.Info("docker build succeeded", zap.String("tag", cfg.Docker.Tag))
	return ExitSuccess, nil
}
