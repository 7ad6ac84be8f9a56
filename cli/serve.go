package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/engine/infra/server"
	"github.com/flowmesh/flowmesh/engine/worker"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

func serveCmd() *cobra.Command {
	var workflowDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, the schedule submitter and a worker pool in one process",
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

			submitter, err := worker.NewSubmitter(ctx, rt.queue, rt.source.All())
			if err != nil {
				return err
			}
			submitter.Start()
			defer submitter.Stop()
			if n := submitter.Entries(); n > 0 {
				logger.FromContext(ctx).Info("schedule submitter started", "schedules", n)
			}

			srv := server.New(rt.config.Server, server.Dependencies{
				Queue:    rt.queue,
				Repo:     rt.repo,
				Source:   rt.source,
				Registry: rt.registry,
				Broker:   rt.broker,
				Redis:    rt.redis,
				Hub:      rt.hub,
			})
			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return srv.Run(ctx) })
			group.Go(func() error { return rt.worker.Start(ctx) })
			return group.Wait()
		},
	}
	cmd.Flags().StringVar(&workflowDir, "workflows", "./workflows", "directory of workflow YAML definitions")
	return cmd
}
