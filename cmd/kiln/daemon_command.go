package main

import (
	"github.com/spf13/cobra"

	"kiln/internal/daemonrun"
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var (
		daemonID    string
		development bool
	)
	cmd := &cobra.Command{
		Use:          "daemon",
		Short:        "Run a kiln daemon in the foreground (internal)",
		Hidden:       true,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    ctx.logLevel(),
				Development: development,
				DaemonID:    daemonID,
			})
		},
	}
	cmd.Flags().StringVar(&daemonID, "id", "", "Daemon identifier assigned by the launching client")
	cmd.Flags().BoolVar(&development, "dev", false, "Use development log formatting")
	return cmd
}
