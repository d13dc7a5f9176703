package build

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/internal/cli"
)

var req cli.BuildRequest

func init() {
	Cmd.Flags().StringVar(&req.TracePath, "trace", "", "write the canonical build trace to this file")
	Cmd.Flags().StringVar(&req.MetricsFile, "metrics-file", "", "write build metrics in Prometheus text format to this file")
	Cmd.Flags().BoolVar(&req.Progress, "progress", false, "show progress bars even when stderr is not a terminal")
}

// Cmd represents the build command
var Cmd = &cobra.Command{
	Use:   "build",
	Short: "Build the backend image from the recipe",
	Long: `Build the backend image from the recipe.

- Steps run in order; a step whose layer key is cached is replayed instead of run
- A failed step stops the build and every later step is skipped
- With --driver docker the recipe is rendered to a Dockerfile and handed to docker build`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = sess.Logger.Sync() }()
		res, err := sess.Build(cmd.Context(), req)
		return cmdutil.Exit(res.ExitCode, err)
	},
}
