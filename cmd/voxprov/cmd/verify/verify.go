package verify

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/internal/cli"
)

var req cli.VerifyRequest

func init() {
	Cmd.Flags().BoolVar(&req.JSON, "json", false, "print the report as JSON")
}

// Cmd represents the verify command
var Cmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the built image for the tools, modules and models the backend needs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		_, err = sess.Verify(cmd.Context(), req)
		return err
	},
}
