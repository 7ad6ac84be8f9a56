package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmesh/flowmesh/engine/graph"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/node/builtin"
	"github.com/flowmesh/flowmesh/engine/sandbox"
	"github.com/flowmesh/flowmesh/engine/workflow"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file> [file...]",
		Short: "Validate workflow definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := node.NewRegistry()
			if err := builtin.Register(registry, sandbox.NewManager(), sandbox.Limits{}); err != nil {
				return err
			}
			for _, path := range args {
				cfg, err := workflow.Load(path)
				if err != nil {
					return err
				}
				if _, err := graph.Build(cfg, registry); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: workflow %q ok (%d nodes, %d connections)\n",
					path, cfg.ID, len(cfg.Nodes), len(cfg.Connections))
			}
			return nil
		},
	}
}
