package render

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
)

var output string

func init() {
	Cmd.Flags().StringVarP(&output, "output", "o", "", "write the Dockerfile here instead of stdout")
}

// Cmd represents the render command
var Cmd = &cobra.Command{
	Use:   "render",
	Short: "Render the recipe as an equivalent Dockerfile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		return sess.Render(output)
	},
}
