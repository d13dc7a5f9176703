package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/build"
	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/cmd/voxprov/cmd/history"
	"voxprov/cmd/voxprov/cmd/launch"
	"voxprov/cmd/voxprov/cmd/plan"
	"voxprov/cmd/voxprov/cmd/preflight"
	"voxprov/cmd/voxprov/cmd/render"
	"voxprov/cmd/voxprov/cmd/verify"
	"voxprov/cmd/voxprov/cmd/version"
	"voxprov/internal/cli"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voxprov",
	Short: "Provision, verify and launch the voice-assistant backend",
	Long: `voxprov builds the voice-assistant backend image from a recipe and runs it.

- build materializes the image root step by step, reusing cached layers
- verify checks the built image for native tools, Python modules and models
- launch frees the server port, starts the server and supervises it`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the command's exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *cli.ExitError
		isExit := errors.As(err, &ee)
		if !isExit || ee.Err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		if !isExit {
			// flag and argument errors from cobra
			os.Exit(cli.ExitInvalidInvocation)
		}
	}
	os.Exit(cli.ExitCode(err))
}

func init() {
	cmdutil.Options.Bind(rootCmd)

	rootCmd.AddCommand(build.Cmd)
	rootCmd.AddCommand(plan.Cmd)
	rootCmd.AddCommand(render.Cmd)
	rootCmd.AddCommand(launch.Cmd)
	rootCmd.AddCommand(verify.Cmd)
	rootCmd.AddCommand(preflight.Cmd)
	rootCmd.AddCommand(history.Cmd)
	rootCmd.AddCommand(version.Cmd)
}
