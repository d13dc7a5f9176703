package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"voxprov/internal/state"
)

// HistoryRequest holds the per-invocation history flags.
type HistoryRequest struct {
	Limit int
	JSON  bool
}

// History prints the recorded runs, most recent first.
func (s *Session) History(req HistoryRequest) ([]state.RunSummary, error) {
	store, err := state.NewStore(s.Config.StateDir)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	runs, err := store.History(req.Limit)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Err: err}
	}
	if req.JSON {
		enc := json.NewEncoder(s.Stdout)
		enc.SetIndent("", "  ")
		if runs == nil {
			runs = []state.RunSummary{}
		}
		if err := enc.Encode(runs); err != nil {
			return runs, &ExitError{Code: ExitInternalError, Err: err}
		}
		return runs, nil
	}

	tw := tabwriter.NewWriter(s.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCOMMAND\tSTATUS\tSTARTED\tDURATION\tFAILURE")
	for _, r := range runs {
		dur := "-"
		if r.Run.EndTime != nil {
			dur = r.Run.EndTime.Sub(r.Run.StartTime).Round(time.Millisecond).String()
		}
		failure := "-"
		if r.Failure != nil {
			failure = fmt.Sprintf("%s/%s", r.Failure.FailureClass, r.Failure.ErrorCode)
			if r.Failure.Step != nil {
				failure += " step=" + *r.Failure.Step
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Run.RunID, r.Run.Command, r.Run.Status,
			r.Run.StartTime.Local().Format(time.DateTime), dur, failure)
	}
	if err := tw.Flush(); err != nil {
		return runs, &ExitError{Code: ExitInternalError, Err: err}
	}
	return runs, nil
}
