// Package cmdutil holds what the voxprov subcommands share.
package cmdutil

import (
	"github.com/spf13/cobra"

	"voxprov/internal/cli"
)

// Options are the global flags, bound on the root command.
var Options cli.Options

// NewSession resolves the configuration for cmd and opens a session that
// writes to the command's output streams. Every error it returns carries an
// exit code.
func NewSession(cmd *cobra.Command) (*cli.Session, error) {
	return cli.NewSession(Options, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// Exit attaches a command's exit code to err. A zero code discards err.
func Exit(code int, err error) error {
	if code == cli.ExitSuccess {
		return nil
	}
	if err == nil {
		return &cli.ExitError{Code: code}
	}
	return &cli.ExitError{Code: code, Err: err}
}
