package preflight

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/internal/cli"
)

var req cli.PreflightRequest

func init() {
	Cmd.Flags().BoolVar(&req.FreePort, "free-port", false, "terminate processes holding the server port")
	Cmd.Flags().BoolVar(&req.JSON, "json", false, "print the report as JSON")
}

// Cmd represents the preflight command
var Cmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check the server port and companion services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		_, err = sess.Preflight(cmd.Context(), req)
		return err
	},
}
