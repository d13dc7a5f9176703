package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxprov/internal/cli"
)

// Cmd represents the version command
var Cmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of voxprov",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), cli.Version)
		return nil
	},
}
