package launch

import (
	"github.com/spf13/cobra"

	"voxprov/cmd/voxprov/cmd/cmdutil"
	"voxprov/internal/cli"
)

var req cli.LaunchRequest

func init() {
	Cmd.Flags().BoolVar(&req.NoReload, "no-reload", false, "drop --reload from the startup command")
	Cmd.Flags().BoolVar(&req.FreePort, "free-port", false, "terminate processes holding the server port")
	Cmd.Flags().StringVar(&req.StatusAddr, "status-addr", "", "serve /healthz, /status and /metrics on this address")
	Cmd.Flags().BoolVar(&req.SkipPreflight, "skip-preflight", false, "skip the port and companion checks")
	Cmd.Flags().StringVar(&req.MetricsFile, "metrics-file", "", "write metrics in Prometheus text format to this file on exit")
}

// Cmd represents the launch command
var Cmd = &cobra.Command{
	Use:   "launch",
	Short: "Start the backend server from the built image",
	Long: `Start the backend server from the built image and supervise it.

- Exit 5: the application module could not be imported
- Exit 6: the server port is already in use
- Exit 7: the server exited or never became ready
Interrupting voxprov stops the server and exits 0.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := cmdutil.NewSession(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = sess.Logger.Sync() }()
		res, err := sess.Launch(cmd.Context(), req)
		return cmdutil.Exit(res.ExitCode, err)
	},
}
