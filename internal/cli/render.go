package cli

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Render writes the recipe as a Dockerfile to out, or to stdout when out is
// empty.
func (s *Session) Render(out string) error {
	rcp, err := s.LoadRecipe()
	if err != nil {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	if out == "" {
		if err := rcp.Render(s.Stdout); err != nil {
			return &ExitError{Code: ExitConfigError, Err: err}
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	f, err := os.Create(out)
	if err != nil {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	if err := rcp.Render(f); err != nil {
		_ = f.Close()
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	if err := f.Close(); err != nil {
		return &ExitError{Code: ExitInternalError, Err: err}
	}
	s.Logger.Info("rendered Dockerfile", zap.String("path", out))
	return nil
}
