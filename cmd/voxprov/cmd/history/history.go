package history

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/internal/cli"
)

var req cli.HistoryRequest

func init() {
	Cmd.Flags().IntVarP(&req.Limit, "limit", "n", 20, "show at most this many runs (0 for all)")
	Cmd.Flags().BoolVar(&req.JSON, "json", false, "print the runs as JSON")
}

// Cmd represents the history command
var Cmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded build and launch runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		_, err = sess.History(req)
		return err
	},
}
