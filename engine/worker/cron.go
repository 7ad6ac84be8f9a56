package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/node/builtin"
	"github.com/flowmesh/flowmesh/engine/queue"
	"github.com/flowmesh/flowmesh/engine/workflow"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// Submitter turns schedule triggers into queued runs. It reads the cron
// expression from each enabled schedule-trigger node and enqueues a
// schedule-mode run whenever it fires; execution itself stays with the
// claim loops.
type Submitter struct {
	runner *cron.Cron
	queue  queue.Service
	count  int
}

// NewSubmitter registers every schedule trigger found in the given
// definitions. A definition without schedule triggers contributes
// nothing; an invalid cron expression fails construction.
func NewSubmitter(ctx context.Context, queueService queue.Service, configs []*workflow.Config) (*Submitter, error) {
	s := &Submitter{
		runner: cron.New(),
		queue:  queueService,
	}
	for _, cfg := range configs {
		for _, n := range cfg.Nodes {
			if n.Type != builtin.TypeScheduleTrigger || n.Disabled {
				continue
			}
			expr, _ := n.Parameters["cron"].(string)
			if expr == "" {
				return nil, fmt.Errorf("workflow %q: schedule trigger %q has no cron expression", cfg.ID, n.ID)
			}
			if err := s.add(ctx, expr, cfg); err != nil {
				return nil, fmt.Errorf("workflow %q: schedule trigger %q: %w", cfg.ID, n.ID, err)
			}
		}
	}
	return s, nil
}

func (s *Submitter) add(ctx context.Context, expr string, cfg *workflow.Config) error {
	workflowID := cfg.ID
	maxConcurrent := cfg.Settings.MaxConcurrentRuns
	_, err := s.runner.AddFunc(expr, func() {
		_, err := s.queue.Enqueue(ctx, &queue.EnqueueRequest{
			WorkflowID:    workflowID,
			Mode:          core.ModeSchedule,
			MaxConcurrent: maxConcurrent,
		})
		if err != nil {
			logger.FromContext(ctx).Error("failed to enqueue scheduled run",
				"workflow_id", workflowID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.count++
	return nil
}

// Entries reports how many schedules were registered.
func (s *Submitter) Entries() int {
	return s.count
}

func (s *Submitter) Start() {
	s.runner.Start()
}

// Stop halts scheduling; runs already enqueued are unaffected.
func (s *Submitter) Stop() {
	s.runner.Stop()
}
