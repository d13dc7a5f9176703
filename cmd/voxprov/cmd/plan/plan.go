package plan

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/internal/cli"
)

var req cli.PlanRequest

func init() {
	Cmd.Flags().BoolVar(&req.JSON, "json", false, "print the plan as JSON")
}

// Cmd represents the plan command
var Cmd = &cobra.Command{
	Use:   "plan",
	Short: "Show each step's layer key and whether it is cached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		_, err = sess.Plan(cmd.Context(), req)
		return err
	},
}
