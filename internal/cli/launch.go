package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"voxprov/internal/config"
	"voxprov/internal/core"
	"voxprov/internal/launch"
	"voxprov/internal/preflight"
	"voxprov/internal/state"
)

// LaunchRequest holds the per-invocation launch flags.
type LaunchRequest struct {
	NoReload      bool
	FreePort      bool
	StatusAddr    string
	SkipPreflight bool
	MetricsFile   string
}

// LaunchResult is the outcome of a launch.
type LaunchResult struct {
	ExitCode int
	RunID    string
	Spec     launch.Spec
	Port     *preflight.PortReport
	Exit     *launch.Exit
	Failure  *state.Failure
}

// Launch starts the built image's server and supervises it until it exits
// or ctx is cancelled.
func (s *Session) Launch(ctx context.Context, req LaunchRequest) (res LaunchResult, err error) {
	res.ExitCode = ExitInternalError
	cfg := s.Config
	logger := s.Logger.Named("launch")
	defer s.WriteMetrics(req.MetricsFile)

	img, err := s.LoadImage()
	if err != nil {
		res.ExitCode = ExitCode(err)
		return res, err
	}
	iso, err := core.ParseIsolation(cfg.Isolation)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &ExitError{Code: ExitConfigError, Err: err}
	}
	spec, err := launch.FromImage(img, iso, req.NoReload || cfg.Launch.NoReload)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &ExitError{Code: ExitConfigError, Err: err}
	}
	res.Spec = spec

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &state.WorkspaceFailureError{Code: "StateDir", Message: err.Error(), Cause: err}
	}
	rec := state.NewRecorder(store)
	run := state.Run{RunID: rec.NewRunID(), Command: state.CommandLaunch, Mode: state.CacheModeCached, ImageID: img.ID.String()}
	if build, ok, lerr := store.Latest(state.CommandBuild); lerr == nil && ok {
		run.PipelineHash = build.PipelineHash
	}
	run, err = rec.StartRun(run)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &state.WorkspaceFailureError{Code: "StateDir", Message: err.Error(), Cause: err}
	}
	res.RunID = run.RunID
	logger = logger.With(zap.String("run_id", run.RunID))

	fail := func(code int, err error) (LaunchResult, error) {
		if f, ferr := rec.RecordFailure(run.RunID, err); ferr == nil {
			res.Failure = &f
		} else {
			logger.Warn("recording failure", zap.Error(ferr))
		}
		if _, ferr := rec.FinishRun(run, state.RunStatusFailed); ferr != nil {
			logger.Warn("finishing run", zap.Error(ferr))
		}
		res.ExitCode = code
		return res, err
	}

	if !req.SkipPreflight {
		checker := preflight.NewChecker(s.Logger)
		report, err := s.ensurePort(ctx, checker, spec.Host, spec.Port, req.FreePort || cfg.Preflight.FreePort)
		res.Port = &report
		switch {
		case errors.Is(err, preflight.ErrBindFailed):
			return fail(ExitConfigError, &state.LaunchFailureError{Code: "PortUnavailable", Message: err.Error(), ExitCode: ExitConfigError, Cause: err})
		case err != nil:
			return fail(ExitPortInUse, &state.LaunchFailureError{Code: "PortInUse", Message: err.Error(), ExitCode: ExitPortInUse, Cause: err})
		}
		checker.ProbeCompanions(ctx, nil, companions(cfg.Preflight.Companions))
	}

	l := launch.New(spec, launch.Options{
		ReadyTimeout: cfg.Launch.ReadyTimeout,
		StopTimeout:  cfg.Launch.StopTimeout,
		HealthPath:   cfg.Launch.HealthPath,
		Logger:       s.Logger,
		Stdout:       s.Stdout,
		Stderr:       s.Stderr,
	})

	statusAddr := lo.Ternary(req.StatusAddr != "", req.StatusAddr, cfg.Launch.StatusAddr)
	if statusAddr != "" {
		statusCtx, stopStatus := context.WithCancel(context.Background())
		defer stopStatus()
		go func() {
			if err := launch.ServeStatus(statusCtx, statusAddr, launch.NewStatusRouter(l, s.Registry), logger); err != nil {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	exit, err := l.Run(ctx)
	if err != nil {
		return fail(ExitServerExited, &state.LaunchFailureError{Code: "StartFailed", Message: err.Error(), ExitCode: ExitServerExited, Cause: err})
	}
	res.Exit = &exit
	if exit.Code != ExitSuccess {
		msg := fmt.Sprintf("server exited with status %d", exit.ProcessExit)
		if exit.Diagnostic != "" {
			msg = exit.Diagnostic
		}
		return fail(exit.Code, &state.LaunchFailureError{Code: string(exit.Class), Message: msg, ExitCode: exit.Code})
	}
	if _, err := rec.FinishRun(run, state.RunStatusSucceeded); err != nil {
		logger.Warn("finishing run", zap.Error(err))
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

// ensurePort checks host:port and, with free set, terminates its owners.
// The returned error is non-nil while the port stays in use, or wraps
// preflight.ErrBindFailed when it cannot be bound at all.
func (s *Session) ensurePort(ctx context.Context, c *preflight.Checker, host string, port int, free bool) (preflight.PortReport, error) {
	report, err := c.CheckPort(ctx, host, port)
	if err != nil {
		return report, err
	}
	if !report.Free && free {
		report, err = c.FreePort(ctx, report, s.Config.Launch.StopTimeout)
		if err != nil {
			return report, err
		}
	}
	if !report.Free {
		return report, errors.New(report.String())
	}
	return report, nil
}

func companions(cs []config.Companion) []preflight.Companion {
	return lo.Map(cs, func(c config.Companion, _ int) preflight.Companion {
		return preflight.Companion{Name: c.Name, URL: c.URL}
	})
}
