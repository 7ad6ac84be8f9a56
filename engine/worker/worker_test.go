package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/node"
	"github.com/flowmesh/flowmesh/engine/node/builtin"
	"github.com/flowmesh/flowmesh/engine/queue"
	"github.com/flowmesh/flowmesh/engine/sandbox"
	"github.com/flowmesh/flowmesh/engine/scheduler"
	"github.com/flowmesh/flowmesh/engine/store"
	"github.com/flowmesh/flowmesh/engine/workflow"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// fakeQueue records terminal reports; Claim serves at most one job.
type fakeQueue struct {
	mu          sync.Mutex
	job         *queue.Job
	completed   []core.ID
	failed      map[core.ID]bool
	failOutcome queue.FailOutcome
	extendErr   error
}

func newFakeQueue(job *queue.Job) *fakeQueue {
	return &fakeQueue{job: job, failed: map[core.ID]bool{}}
}

func (f *fakeQueue) Enqueue(context.Context, *queue.EnqueueRequest) (*queue.Job, error) {
	return nil, nil
}

func (f *fakeQueue) Claim(context.Context, string, time.Duration) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.job
	f.job = nil
	return job, nil
}

func (f *fakeQueue) Complete(_ context.Context, jobID core.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeQueue) Fail(_ context.Context, jobID core.ID, retryable bool) (queue.FailOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = retryable
	if f.failOutcome != 0 {
		return f.failOutcome, nil
	}
	if retryable {
		return queue.FailRetried, nil
	}
	return queue.FailDeadLettered, nil
}

func (f *fakeQueue) ExtendLease(context.Context, core.ID, time.Duration) error {
	return f.extendErr
}

func (f *fakeQueue) ListDeadLetters(context.Context) ([]*queue.Job, error) {
	return nil, nil
}

func (f *fakeQueue) EnqueueErrorRun(context.Context, string, *execution.WorkflowErrorData) error {
	return nil
}

func (f *fakeQueue) completedJobs() []core.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.ID{}, f.completed...)
}

func testCtx() context.Context {
	return logger.ContextWithLogger(context.Background(), logger.NewForTests())
}

func testRegistry(t *testing.T) *node.Registry {
	t.Helper()
	registry := node.NewRegistry()
	require.NoError(t, builtin.Register(registry, nil, sandbox.Limits{}))
	require.NoError(t, registry.Register(&node.SpecTemplate{
		Type:    "test.slow",
		Inputs:  []string{core.PinMain},
		Outputs: []string{core.PinMain},
		Behavior: func(ctx context.Context, req *node.Request) (map[string][]core.Item, error) {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
			}
			return map[string][]core.Item{core.PinMain: req.MainInput()}, nil
		},
	}))
	return registry
}

func greetConfig() *workflow.Config {
	return &workflow.Config{
		ID: "greet",
		Nodes: []*workflow.Node{
			{ID: "start", Type: builtin.TypeManualTrigger},
			{ID: "pass", Type: builtin.TypeNoop},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", TargetNode: "pass"},
		},
	}
}

func slowConfig() *workflow.Config {
	return &workflow.Config{
		ID: "slow",
		Nodes: []*workflow.Node{
			{ID: "start", Type: builtin.TypeManualTrigger},
			{ID: "crawl", Type: "test.slow"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", TargetNode: "crawl"},
		},
	}
}

func testWorker(t *testing.T, q queue.Service, repo store.Repository, cfgs ...*workflow.Config) *Worker {
	t.Helper()
	registry := testRegistry(t)
	engine := scheduler.New(registry, scheduler.WithResultSink(
		func(ctx context.Context, execID core.ID, result *execution.NodeResult) error {
			return repo.UpsertNodeResult(ctx, execID, result)
		},
	))
	return New(q, repo, workflow.NewStaticSource(cfgs...), registry, engine,
		execution.NewCancelHub(), &Config{
			PoolSize:          1,
			PollInterval:      time.Millisecond,
			HeartbeatInterval: 5 * time.Millisecond,
		})
}

func manualJob(workflowID string) *queue.Job {
	return &queue.Job{
		ID:          core.MustNewID(),
		ExecutionID: core.MustNewID(),
		WorkflowID:  workflowID,
		Mode:        core.ModeManual,
		Status:      queue.JobClaimed,
		Payload:     json.RawMessage(`{"name":"ada"}`),
	}
}

func TestProcess(t *testing.T) {
	t.Run("Should drive a claimed job to completion", func(t *testing.T) {
		job := manualJob("greet")
		q := newFakeQueue(nil)
		repo := store.NewMemoryRepo()
		w := testWorker(t, q, repo, greetConfig())

		w.process(testCtx(), job)

		record, err := repo.GetRecord(testCtx(), job.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusSuccess, record.Status)
		require.NotNil(t, record.FinishedAt)
		assert.Len(t, record.NodeResults, 2)
		assert.Equal(t, []core.ID{job.ID}, q.completedJobs())
	})
	t.Run("Should dead-letter a job naming an unknown workflow", func(t *testing.T) {
		job := manualJob("ghost")
		q := newFakeQueue(nil)
		w := testWorker(t, q, store.NewMemoryRepo(), greetConfig())

		w.process(testCtx(), job)

		retryable, failed := q.failed[job.ID]
		require.True(t, failed)
		assert.False(t, retryable, "unknown workflows are not retryable")
		assert.Empty(t, q.completedJobs())
	})
	t.Run("Should resume onto an existing execution record", func(t *testing.T) {
		job := manualJob("greet")
		q := newFakeQueue(nil)
		repo := store.NewMemoryRepo()
		record := execution.NewRecord(job.ExecutionID, "greet", core.ModeManual)
		require.NoError(t, repo.CreateRecord(testCtx(), record))
		w := testWorker(t, q, repo, greetConfig())

		w.process(testCtx(), job)

		got, err := repo.GetRecord(testCtx(), job.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusSuccess, got.Status)
		assert.Equal(t, []core.ID{job.ID}, q.completedJobs())
	})
	t.Run("Should cancel the run when the lease is lost", func(t *testing.T) {
		job := manualJob("slow")
		q := newFakeQueue(nil)
		q.extendErr = queue.ErrLeaseExpired
		repo := store.NewMemoryRepo()
		w := testWorker(t, q, repo, slowConfig())

		w.process(testCtx(), job)

		record, err := repo.GetRecord(testCtx(), job.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusCanceled, record.Status)
	})
}

func TestRetry(t *testing.T) {
	t.Run("Should close the record when exhausted retries dead-letter the job", func(t *testing.T) {
		job := manualJob("greet")
		q := newFakeQueue(nil)
		q.failOutcome = queue.FailDeadLettered
		repo := store.NewMemoryRepo()
		require.NoError(t, repo.CreateRecord(testCtx(),
			execution.NewRecord(job.ExecutionID, "greet", core.ModeManual)))
		w := testWorker(t, q, repo, greetConfig())

		w.retry(testCtx(), job, assert.AnError)

		record, err := repo.GetRecord(testCtx(), job.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusFailed, record.Status)
		assert.NotNil(t, record.FinishedAt)
		retryable, failed := q.failed[job.ID]
		require.True(t, failed)
		assert.True(t, retryable)
	})
	t.Run("Should leave the record open while a retry is pending", func(t *testing.T) {
		job := manualJob("greet")
		q := newFakeQueue(nil)
		q.failOutcome = queue.FailRetried
		repo := store.NewMemoryRepo()
		require.NoError(t, repo.CreateRecord(testCtx(),
			execution.NewRecord(job.ExecutionID, "greet", core.ModeManual)))
		w := testWorker(t, q, repo, greetConfig())

		w.retry(testCtx(), job, assert.AnError)

		record, err := repo.GetRecord(testCtx(), job.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, record.Status)
		assert.Nil(t, record.FinishedAt)
	})
}

func TestStart(t *testing.T) {
	t.Run("Should claim and process queued jobs until stopped", func(t *testing.T) {
		job := manualJob("greet")
		q := newFakeQueue(job)
		repo := store.NewMemoryRepo()
		w := testWorker(t, q, repo, greetConfig())

		ctx, cancel := context.WithCancel(testCtx())
		done := make(chan error, 1)
		go func() { done <- w.Start(ctx) }()

		require.Eventually(t, func() bool {
			return len(q.completedJobs()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestSubmitter(t *testing.T) {
	scheduledConfig := func(expr string) *workflow.Config {
		return &workflow.Config{
			ID: "nightly",
			Nodes: []*workflow.Node{
				{
					ID:         "tick",
					Type:       builtin.TypeScheduleTrigger,
					Parameters: map[string]any{"cron": expr},
				},
				{ID: "pass", Type: builtin.TypeNoop},
			},
			Connections: []workflow.Connection{
				{SourceNode: "tick", TargetNode: "pass"},
			},
		}
	}

	t.Run("Should register one entry per enabled schedule trigger", func(t *testing.T) {
		s, err := NewSubmitter(testCtx(), newFakeQueue(nil), []*workflow.Config{
			scheduledConfig("@every 1h"),
			greetConfig(),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Entries())
	})
	t.Run("Should skip disabled schedule triggers", func(t *testing.T) {
		cfg := scheduledConfig("@every 1h")
		cfg.Nodes[0].Disabled = true
		s, err := NewSubmitter(testCtx(), newFakeQueue(nil), []*workflow.Config{cfg})
		require.NoError(t, err)
		assert.Equal(t, 0, s.Entries())
	})
	t.Run("Should reject an invalid cron expression", func(t *testing.T) {
		_, err := NewSubmitter(testCtx(), newFakeQueue(nil), []*workflow.Config{
			scheduledConfig("not a schedule"),
		})
		assert.Error(t, err)
	})
	t.Run("Should reject a schedule trigger without a cron expression", func(t *testing.T) {
		cfg := scheduledConfig("@every 1h")
		delete(cfg.Nodes[0].Parameters, "cron")
		_, err := NewSubmitter(testCtx(), newFakeQueue(nil), []*workflow.Config{cfg})
		assert.Error(t, err)
	})
}
