package recipe

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Render writes the recipe as an equivalent Dockerfile. CMD uses the exec
// form so the server receives signals directly.
func (r *Recipe) Render(w io.Writer) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", r.Name)
	fmt.Fprintf(&b, "FROM %s\n\n", r.From)
	fmt.Fprintf(&b, "WORKDIR %s\n", r.Workdir)

	if len(r.Env) > 0 {
		keys := make([]string, 0, len(r.Env))
		for k := range r.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "ENV %s=%s\n", k, strconv.Quote(r.Env[k]))
		}
	}

	for _, s := range r.Steps {
		fmt.Fprintf(&b, "\n# %s\n", s.Name)
		switch s.Kind {
		case KindPackages, KindClean, KindRun, KindPip, KindModel:
			fmt.Fprintf(&b, "RUN %s\n", s.ShellCommand())
		case KindCopy:
			fmt.Fprintf(&b, "COPY %s %s\n", strings.Join(s.Src, " "), s.Dest)
		case KindExpose:
			fmt.Fprintf(&b, "EXPOSE %d\n", s.Port)
		case KindCmd:
			argv, err := json.Marshal(s.CommandArgv())
			if err != nil {
				return err
			}
			fmt.Fprintf(&b, "CMD %s\n", argv)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
