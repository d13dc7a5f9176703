package cli

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voxprov/internal/core"
	"voxprov/internal/verify"
)

// VerifyRequest holds the per-invocation verify flags.
type VerifyRequest struct {
	JSON bool
}

// Verify checks the built image for the tools, modules, source directories
// and models the backend needs. A report with failed checks exits 1.
func (s *Session) Verify(ctx context.Context, req VerifyRequest) (verify.Report, error) {
	img, err := s.LoadImage()
	if err != nil {
		return verify.Report{}, err
	}
	iso, err := core.ParseIsolation(s.Config.Isolation)
	if err != nil {
		return verify.Report{}, &ExitError{Code: ExitConfigError, Err: err}
	}
	return s.verifyWith(ctx, verify.NewImageProber(img, iso), req)
}

func (s *Session) verifyWith(ctx context.Context, p verify.Prober, req VerifyRequest) (verify.Report, error) {
	report, err := verify.NewChecker(p, s.Logger).Run(ctx)
	if err != nil {
		return report, &ExitError{Code: ExitInternalError, Err: err}
	}
	if req.JSON {
		enc := json.NewEncoder(s.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(report)
	} else {
		err = report.Write(s.Stdout)
	}
	if err != nil {
		return report, &ExitError{Code: ExitInternalError, Err: err}
	}
	if !report.OK() {
		s.Logger.Error("image verification failed", zap.Int("failed", len(report.Failed())))
		return report, exitErrorf(ExitStepFailure, "%d checks failed", len(report.Failed()))
	}
	s.Logger.Info("image verification passed")
	return report, nil
}
