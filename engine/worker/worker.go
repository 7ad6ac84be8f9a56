package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/graph"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/queue"
	"github.com/flowmesh/flowmesh/engine/scheduler"
	"github.com/flowmesh/flowmesh/engine/store"
	"github.com/flowmesh/flowmesh/engine/workflow"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// Config tunes the claim loops and the lease heartbeat.
type Config struct {
	PoolSize          int
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
}

func (c *Config) withDefaults() Config {
	out := Config{
		PoolSize:          4,
		PollInterval:      250 * time.Millisecond,
		MaxPollInterval:   5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		LeaseDuration:     30 * time.Second,
	}
	if c == nil {
		return out
	}
	if c.PoolSize > 0 {
		out.PoolSize = c.PoolSize
	}
	if c.PollInterval > 0 {
		out.PollInterval = c.PollInterval
	}
	if c.MaxPollInterval > 0 {
		out.MaxPollInterval = c.MaxPollInterval
	}
	if c.HeartbeatInterval > 0 {
		out.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.LeaseDuration > 0 {
		out.LeaseDuration = c.LeaseDuration
	}
	return out
}

// Worker claims queued runs and drives them through the engine. Each
// claimed job is held under a lease refreshed by a heartbeat; losing the
// lease cancels the in-flight run and leaves replay to the reclaimer.
type Worker struct {
	id       string
	queue    queue.Service
	repo     store.Repository
	source   workflow.Source
	registry *node.Registry
	engine   *scheduler.Engine
	hub      *execution.CancelHub
	config   Config
}

func New(
	queueService queue.Service,
	repo store.Repository,
	source workflow.Source,
	registry *node.Registry,
	engine *scheduler.Engine,
	hub *execution.CancelHub,
	config *Config,
) *Worker {
	return &Worker{
		id:       uuid.NewString(),
		queue:    queueService,
		repo:     repo,
		source:   source,
		registry: registry,
		engine:   engine,
		hub:      hub,
		config:   config.withDefaults(),
	}
}

func (w *Worker) ID() string {
	return w.id
}

// Start runs the claim loops until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	log := logger.FromContext(ctx).With("worker_id", w.id)
	ctx = logger.ContextWithLogger(ctx, log)
	log.Info("worker started", "pool_size", w.config.PoolSize)
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.PoolSize; i++ {
		group.Go(func() error {
			return w.claimLoop(ctx)
		})
	}
	err := group.Wait()
	log.Info("worker stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// claimLoop polls for claimable jobs, backing off exponentially while
// the queue is idle and snapping back to the base interval on work.
func (w *Worker) claimLoop(ctx context.Context) error {
	log := logger.FromContext(ctx)
	interval := w.config.PollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := w.queue.Claim(ctx, w.id, w.config.LeaseDuration)
		if err != nil {
			log.Error("claim failed", "error", err)
		}
		if job == nil {
			if !sleep(ctx, interval) {
				return ctx.Err()
			}
			interval *= 2
			if interval > w.config.MaxPollInterval {
				interval = w.config.MaxPollInterval
			}
			continue
		}
		interval = w.config.PollInterval
		w.process(ctx, job)
	}
}

// process drives one claimed job to a terminal report: Complete on any
// engine outcome, Fail on infrastructure errors. A run that merely has
// failed nodes still completes its job; retry is for runs the worker
// could not finish, not for workflow-level failures.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log := logger.FromContext(ctx).With(
		"job_id", job.ID,
		"execution_id", job.ExecutionID,
		"workflow_id", job.WorkflowID,
	)
	ctx = logger.ContextWithLogger(ctx, log)
	log.Info("processing job", "mode", job.Mode, "attempt", job.Attempt)

	cfg, err := w.source.Get(job.WorkflowID)
	if err != nil {
		w.reject(ctx, job, fmt.Errorf("resolving workflow: %w", err))
		return
	}
	g, err := graph.Build(cfg, w.registry)
	if err != nil {
		w.reject(ctx, job, fmt.Errorf("building graph: %w", err))
		return
	}
	record, err := w.repo.GetRecord(ctx, job.ExecutionID)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		w.retry(ctx, job, fmt.Errorf("loading execution record: %w", err))
		return
	}
	if record == nil {
		record = execution.NewRecord(job.ExecutionID, job.WorkflowID, job.Mode)
		if err := w.repo.CreateRecord(ctx, record); err != nil {
			w.retry(ctx, job, fmt.Errorf("creating execution record: %w", err))
			return
		}
	}
	seed, err := job.SeedItem()
	if err != nil {
		w.reject(ctx, job, fmt.Errorf("decoding job payload: %w", err))
		return
	}

	ec := execution.NewContext(job.ExecutionID, job.Mode, g, seed)
	ec.Preload(record)
	if w.hub != nil {
		defer w.hub.Register(ec)()
	}
	if err := w.repo.UpdateStatus(ctx, job.ExecutionID, core.StatusRunning, nil); err != nil {
		w.retry(ctx, job, fmt.Errorf("marking execution running: %w", err))
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeat(heartbeatCtx, job.ID, ec)
	}()

	status, runErr := w.engine.Run(ctx, ec)
	stopHeartbeat()
	<-heartbeatDone

	if runErr != nil {
		w.retry(ctx, job, fmt.Errorf("running execution: %w", runErr))
		return
	}
	now := time.Now().UTC()
	if err := w.repo.UpdateStatus(ctx, job.ExecutionID, status, &now); err != nil {
		log.Error("failed to record terminal status", "status", status, "error", err)
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		if errors.Is(err, queue.ErrLeaseExpired) {
			log.Warn("lease expired before completion, another worker will replay")
			return
		}
		log.Error("failed to complete job", "error", err)
		return
	}
	log.Info("job completed", "status", status)
}

// heartbeat keeps the job's lease alive while the run executes. A lost
// lease flips the run's cancellation flag so the duplicate execution
// stops producing side effects.
func (w *Worker) heartbeat(ctx context.Context, jobID core.ID, ec *execution.Context) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.ExtendLease(ctx, jobID, w.config.LeaseDuration)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrLeaseExpired) {
				logger.FromContext(ctx).Warn("lease lost, canceling run", "job_id", jobID)
				ec.Cancel()
				return
			}
			logger.FromContext(ctx).Error("heartbeat failed", "job_id", jobID, "error", err)
		}
	}
}

// reject dead-letters a job the worker can never execute, such as one
// naming an unknown workflow or an invalid graph.
func (w *Worker) reject(ctx context.Context, job *queue.Job, cause error) {
	log := logger.FromContext(ctx)
	log.Error("rejecting job", "error", cause)
	now := time.Now().UTC()
	if err := w.repo.UpdateStatus(ctx, job.ExecutionID, core.StatusFailed, &now); err != nil &&
		!errors.Is(err, store.ErrRecordNotFound) {
		log.Error("failed to mark execution failed", "error", err)
	}
	if _, err := w.queue.Fail(ctx, job.ID, false); err != nil && !errors.Is(err, queue.ErrLeaseExpired) {
		log.Error("failed to dead-letter job", "error", err)
	}
}

// retry reports an infrastructure failure so the queue re-delivers the
// job with backoff; the resumed run skips nodes already recorded. When
// the failure exhausts the job's attempts the queue dead-letters it
// instead, and the execution record is closed as failed so the run does
// not stay pending forever.
func (w *Worker) retry(ctx context.Context, job *queue.Job, cause error) {
	log := logger.FromContext(ctx)
	log.Warn("job failed, scheduling retry", "error", cause)
	outcome, err := w.queue.Fail(ctx, job.ID, true)
	if err != nil {
		if !errors.Is(err, queue.ErrLeaseExpired) {
			log.Error("failed to report job failure", "error", err)
		}
		return
	}
	if outcome != queue.FailDeadLettered {
		return
	}
	now := time.Now().UTC()
	if err := w.repo.UpdateStatus(ctx, job.ExecutionID, core.StatusFailed, &now); err != nil &&
		!errors.Is(err, store.ErrRecordNotFound) {
		log.Error("failed to mark dead-lettered execution failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
