package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"voxprov/internal/core"
	"voxprov/internal/launch"
	"voxprov/internal/preflight"
	"voxprov/internal/recipe"
)

// PreflightRequest holds the per-invocation preflight flags.
type PreflightRequest struct {
	FreePort bool
	JSON     bool
}

// PreflightReport is what preflight found on the host.
type PreflightReport struct {
	Port       preflight.PortReport        `json:"port"`
	Companions []preflight.CompanionResult `json:"companions"`
}

// Preflight checks the server port and companion services without starting
// anything. A port that stays in use exits 6, one that cannot be bound at
// all exits 3.
func (s *Session) Preflight(ctx context.Context, req PreflightRequest) (PreflightReport, error) {
	host, port, err := s.serverAddr()
	if err != nil {
		return PreflightReport{}, err
	}
	checker := preflight.NewChecker(s.Logger)
	report := PreflightReport{}
	var portErr error
	report.Port, portErr = s.ensurePort(ctx, checker, host, port, req.FreePort || s.Config.Preflight.FreePort)
	report.Companions = checker.ProbeCompanions(ctx, nil, companions(s.Config.Preflight.Companions))

	if req.JSON {
		enc := json.NewEncoder(s.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return report, &ExitError{Code: ExitInternalError, Err: err}
		}
	} else {
		fmt.Fprintln(s.Stdout, report.Port.String())
		for _, c := range report.Companions {
			mark := "✓"
			if !c.Reachable {
				mark = "⚠"
			}
			fmt.Fprintf(s.Stdout, "%s %s %s\n", mark, c.Name, c.URL)
		}
	}
	if errors.Is(portErr, preflight.ErrBindFailed) {
		return report, &ExitError{Code: ExitConfigError, Err: portErr}
	}
	if portErr != nil {
		return report, &ExitError{Code: ExitPortInUse, Err: portErr}
	}
	return report, nil
}

// serverAddr is the address the server will bind: from the built image when
// there is one, otherwise from the recipe's cmd step.
func (s *Session) serverAddr() (string, int, error) {
	if img, err := s.LoadImage(); err == nil {
		spec, err := launch.FromImage(img, core.IsolationNone, true)
		if err != nil {
			return "", 0, &ExitError{Code: ExitConfigError, Err: err}
		}
		return spec.Host, spec.Port, nil
	}
	rcp, err := s.LoadRecipe()
	if err != nil {
		return "", 0, &ExitError{Code: ExitConfigError, Err: err}
	}
	cmd, ok := rcp.Cmd()
	if !ok {
		return "", 0, exitErrorf(ExitConfigError, "recipe has no cmd step")
	}
	host, ok := recipe.ArgvFlag(cmd.CommandArgv(), "--host")
	if !ok {
		host = recipe.DefaultHost
	}
	return host, cmd.CommandPort(), nil
}
