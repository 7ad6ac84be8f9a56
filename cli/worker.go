package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var workflowDir string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker pool against the shared queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := commandContext(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, workflowDir)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.worker.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&workflowDir, "workflows", "./workflows", "directory of workflow YAML definitions")
	return cmd
}
