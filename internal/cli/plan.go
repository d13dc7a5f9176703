package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"go.uber.org/zap"

	"voxprov/internal/core"
	"voxprov/internal/state"
)

// PlanRequest holds the per-invocation plan flags.
type PlanRequest struct {
	JSON bool
}

// PlannedStep is one row of a build plan.
type PlannedStep struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Op     string `json:"op"`
	Key    string `json:"key"`
	Cached bool   `json:"cached"`
}

// Plan computes every layer key of the recipe and reports which layers the
// cache already holds, without running anything.
func (s *Session) Plan(ctx context.Context, req PlanRequest) ([]PlannedStep, error) {
	cfg := s.Config
	rcp, err := s.LoadRecipe()
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	steps, err := rcp.Compile()
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	cache, closeCache, err := s.OpenCache(ctx)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: &state.WorkspaceFailureError{Code: "CacheUnavailable", Message: err.Error(), Cause: err}}
	}
	defer func() {
		if err := closeCache(); err != nil {
			s.Logger.Warn("closing cache", zap.Error(err))
		}
	}()
	builder, err := core.NewBuilder(core.BuilderOptions{
		ContextDir: cfg.Context,
		StateDir:   cfg.StateDir,
		Env:        rcp.Env,
		Cache:      cache,
	})
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	plan, err := builder.Plan(steps)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}

	rows := make([]PlannedStep, 0, len(plan.Steps))
	for i, ps := range plan.Steps {
		cached, err := cache.Has(ctx, ps.Key)
		if err != nil {
			s.Logger.Warn("cache lookup failed", zap.String("step", ps.Step.Name), zap.Error(err))
		}
		rows = append(rows, PlannedStep{
			Index:  i,
			Name:   ps.Step.Name,
			Kind:   ps.Step.Kind,
			Op:     ps.Step.Describe(),
			Key:    ps.Key.String(),
			Cached: cached,
		})
	}

	if req.JSON {
		enc := json.NewEncoder(s.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return rows, &ExitError{Code: ExitInternalError, Err: err}
		}
		return rows, nil
	}
	tw := tabwriter.NewWriter(s.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tKIND\tKEY\tCACHE\tOP")
	for _, r := range rows {
		status := "miss"
		if r.Cached {
			status = "hit"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Index, r.Name, r.Kind, core.LayerKey(r.Key).Short(), status, r.Op)
	}
	if err := tw.Flush(); err != nil {
		return rows, &ExitError{Code: ExitInternalError, Err: err}
	}
	return rows, nil
}
