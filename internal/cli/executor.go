package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"voxprov/internal/core"
	"voxprov/internal/metrics"
	"voxprov/internal/pipeline"
	"voxprov/internal/progress"
	"voxprov/internal/state"
	"voxprov/internal/trace"
)

// PipelineExecutor is the engine interface the build command wires into.
//
// It lets tests prove exit-code mapping (including panic) without depending
// on executor internals.
type PipelineExecutor interface {
	Run(ctx context.Context, p *pipeline.Pipeline, runner pipeline.StepRunner, sink trace.Sink, observers []pipeline.Observer) (*pipeline.Result, error)
}

type defaultPipelineExecutor struct{}

func (defaultPipelineExecutor) Run(ctx context.Context, p *pipeline.Pipeline, runner pipeline.StepRunner, sink trace.Sink, observers []pipeline.Observer) (*pipeline.Result, error) {
	exec, err := pipeline.NewExecutor(p, runner, observers...)
	if err != nil {
		return nil, err
	}
	exec.Trace = sink
	return exec.Run(ctx)
}

// BuildRequest holds the per-invocation build flags.
type BuildRequest struct {
	TracePath   string
	MetricsFile string
	// Progress forces progress bars even when stderr is not a terminal.
	Progress bool
}

// BuildResult is the outcome of a build.
type BuildResult struct {
	ExitCode int
	RunID    string
	Result   *pipeline.Result
	Image    *core.ImageConfig
	Failure  *state.Failure
}

// Build runs the provisioning pipeline with the default executor.
func (s *Session) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	return s.BuildWithExecutor(ctx, req, defaultPipelineExecutor{})
}

// BuildWithExecutor maps a build request to engine execution.
//
// Responsibilities:
//   - Record the run, its step outcomes and any failure under the state dir.
//   - Initialize the trace output before execution and finalize it after,
//     even on panic or failure.
//   - Translate engine outcomes to semantic exit codes.
func (s *Session) BuildWithExecutor(ctx context.Context, req BuildRequest, executor PipelineExecutor) (res BuildResult, execErr error) {
	res.ExitCode = ExitInternalError
	if executor == nil {
		return res, errors.New("nil executor")
	}
	cfg := s.Config
	logger := s.Logger.Named("build")
	defer s.WriteMetrics(req.MetricsFile)

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &state.WorkspaceFailureError{Code: "StateDir", Message: err.Error(), Cause: err}
	}
	rec := state.NewRecorder(store)
	mode := state.CacheModeCached
	if cfg.Cache.Backend == "none" {
		mode = state.CacheModeClean
	}
	run, err := rec.StartRun(state.Run{RunID: rec.NewRunID(), Command: state.CommandBuild, Mode: mode})
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &state.WorkspaceFailureError{Code: "StateDir", Message: err.Error(), Cause: err}
	}
	res.RunID = run.RunID
	logger = logger.With(zap.String("run_id", run.RunID))

	fail := func(code int, err error) (BuildResult, error) {
		if f, ferr := rec.RecordFailure(run.RunID, err); ferr == nil {
			res.Failure = &f
		} else {
			logger.Warn("recording failure", zap.Error(ferr))
		}
		if _, ferr := rec.FinishRun(run, state.RunStatusFailed); ferr != nil {
			logger.Warn("finishing run", zap.Error(ferr))
		}
		metrics.RecordBuild(false)
		res.ExitCode = code
		return res, err
	}

	rcp, err := s.LoadRecipe()
	if err != nil {
		return fail(ExitConfigError, err)
	}
	steps, err := rcp.Compile()
	if err != nil {
		return fail(ExitConfigError, &state.RecipeFailureError{Code: "RecipeInvalid", Message: err.Error(), Cause: err})
	}
	p, err := pipeline.NewPipeline(steps)
	if err != nil {
		return fail(ExitConfigError, &state.RecipeFailureError{Code: "PipelineInvalid", Message: err.Error(), Cause: err})
	}
	run.PipelineHash = p.Hash().String()
	if err := store.SaveRun(run); err != nil {
		logger.Warn("saving run", zap.Error(err))
	}
	logger.Info("recipe loaded",
		zap.String("image", rcp.Name),
		zap.String("base", rcp.From),
		zap.Int("steps", p.Len()),
		zap.String("pipeline_hash", run.PipelineHash))

	if cfg.Driver == "docker" {
		if code, err := s.dockerBuild(ctx, rcp); err != nil {
			return fail(code, err)
		}
		if _, err := rec.FinishRun(run, state.RunStatusSucceeded); err != nil {
			logger.Warn("finishing run", zap.Error(err))
		}
		metrics.RecordBuild(true)
		res.ExitCode = ExitSuccess
		return res, nil
	}

	traceWriter, err := newTraceWriter(req.TracePath, run.PipelineHash)
	if err != nil {
		return fail(ExitConfigError, &state.WorkspaceFailureError{Code: "TraceInit", Message: err.Error(), Cause: err})
	}
	defer func() {
		// Always finalize the trace, even after a panic.
		if err := traceWriter.Finalize(res.Result); err != nil {
			logger.Warn("writing trace", zap.Error(err))
		}
	}()

	cache, closeCache, err := s.OpenCache(ctx)
	if err != nil {
		return fail(ExitConfigError, &state.WorkspaceFailureError{Code: "CacheUnavailable", Message: err.Error(), Cause: err})
	}
	defer func() {
		if err := closeCache(); err != nil {
			logger.Warn("closing cache", zap.Error(err))
		}
	}()

	iso, err := core.ParseIsolation(cfg.Isolation)
	if err != nil {
		return fail(ExitConfigError, &state.WorkspaceFailureError{Code: "Isolation", Message: err.Error(), Cause: err})
	}
	builder, err := core.NewBuilder(core.BuilderOptions{
		ContextDir: cfg.Context,
		StateDir:   cfg.StateDir,
		Env:        rcp.Env,
		Isolation:  iso,
		Cache:      cache,
	})
	if err != nil {
		return fail(ExitConfigError, &state.WorkspaceFailureError{Code: "ContextInvalid", Message: err.Error(), Cause: err})
	}
	plan, err := builder.Plan(steps)
	if err != nil {
		return fail(ExitConfigError, &state.WorkspaceFailureError{Code: "ContextInvalid", Message: err.Error(), Cause: err})
	}
	reused, err := builder.Prepare(ctx, plan)
	if err != nil {
		return fail(ExitInternalError, &state.SystemFailureError{Code: "RootPrepare", Message: err.Error(), Cause: err})
	}
	logger.Info("image root prepared", zap.String("root", builder.Root), zap.Int("reused_layers", reused))

	collector := newStepCollector()
	observers := []pipeline.Observer{logObserver{logger: logger}, metricsObserver{}, collector}
	var bar *progress.BuildObserver
	if progress.ShouldShowProgress(req.Progress) {
		bar = progress.NewBuildObserver(progress.NewManager(progress.Config{Enabled: true, Writer: s.Stderr}), rcp.Name, p.Len())
		observers = append(observers, bar)
	}
	recorder := trace.NewRecorder()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			res.Result = nil
			res, execErr = fail(ExitInternalError, &state.SystemFailureError{Code: "Panic", Message: msg, Cause: errors.New(msg)})
		}
	}()

	result, err := executor.Run(ctx, p, builder, recorder, observers)
	if bar != nil {
		bar.Finish()
	}
	if records := collector.Records(); len(records) > 0 {
		if serr := store.SaveSteps(run.RunID, records); serr != nil {
			logger.Warn("saving step records", zap.Error(serr))
		}
	}
	if err != nil {
		code := "EngineError"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = "Cancelled"
		}
		return fail(ExitInternalError, &state.SystemFailureError{Code: code, Message: err.Error(), Cause: err})
	}
	res.Result = result

	if !result.Succeeded() {
		failed := result.FailedStep
		step := core.Step{Name: failed}
		if i, ok := p.Index(failed); ok {
			step = p.Step(i)
		}
		s.reportStepFailure(step, result)
		return fail(ExitStepFailure, &state.StepFailureError{
			Step:     failed,
			Kind:     step.Kind,
			ExitCode: result.ExitCode[failed],
			Message:  failureMessage(step, result),
		})
	}

	img := builder.Image()
	if err := core.SaveImageConfig(s.ImagePath(), img); err != nil {
		return fail(ExitInternalError, &state.SystemFailureError{Code: "ImageConfig", Message: err.Error(), Cause: err})
	}
	res.Image = &img
	run.ImageID = img.ID.String()
	if _, err := rec.FinishRun(run, state.RunStatusSucceeded); err != nil {
		logger.Warn("finishing run", zap.Error(err))
	}
	metrics.RecordBuild(true)
	logger.Info("build succeeded",
		zap.String("image_id", img.ID.Short()),
		zap.Int("cached", result.Count(pipeline.StepCached)),
		zap.Int("executed", result.Count(pipeline.StepCompleted)))
	res.ExitCode = ExitSuccess
	return res, nil
}

// reportStepFailure prints the failed step's captured output.
func (s *Session) reportStepFailure(step core.Step, result *pipeline.Result) {
	fmt.Fprintf(s.Stderr, "step %q failed with exit code %d\n  %s\n", step.Name, result.ExitCode[step.Name], step.Describe())
	for _, out := range [][]byte{result.Stdout[step.Name], result.Stderr[step.Name]} {
		if tail := tailLines(string(out), 20); tail != "" {
			fmt.Fprintln(s.Stderr, tail)
		}
	}
}

func failureMessage(step core.Step, result *pipeline.Result) string {
	msg := fmt.Sprintf("step %q exited with code %d", step.Name, result.ExitCode[step.Name])
	if last := tailLines(string(result.Stderr[step.Name]), 1); last != "" {
		msg += ": " + last
	}
	return msg
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

type traceFileWriter struct {
	enabled      bool
	path         string
	pipelineHash string
}

func newTraceWriter(path, pipelineHash string) (*traceFileWriter, error) {
	if strings.TrimSpace(path) == "" {
		return &traceFileWriter{enabled: false}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	// Create an empty trace eagerly so even a panic leaves a valid artifact.
	w := &traceFileWriter{enabled: true, path: path, pipelineHash: pipelineHash}
	return w, w.writeTrace(trace.BuildTrace{PipelineHash: pipelineHash})
}

func (w *traceFileWriter) Finalize(r *pipeline.Result) error {
	if w == nil || !w.enabled {
		return nil
	}
	if r != nil && len(r.Trace) > 0 {
		return writeFileAtomic(w.path, r.Trace, 0o644)
	}
	return w.writeTrace(trace.BuildTrace{PipelineHash: w.pipelineHash})
}

func (w *traceFileWriter) writeTrace(t trace.BuildTrace) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return writeFileAtomic(w.path, b, 0o644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
