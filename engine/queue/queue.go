package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

// JobStatus is the queue-side lifecycle of a run request.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobClaimed      JobStatus = "claimed"
	JobCompleted    JobStatus = "completed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// ErrLeaseExpired is returned when completing or heartbeating a job
// whose lease another worker already reclaimed. It never surfaces to
// workflow authors; the reclaiming worker replays the run.
var ErrLeaseExpired = errors.New("queue: job lease expired")

// FailOutcome reports what Fail did with the job, so the caller can
// close the execution record when no retry is coming.
type FailOutcome int

const (
	FailRetried FailOutcome = iota + 1
	FailDeadLettered
)

// Job is a queued run request. Workers hold a time-bounded lease on a
// claimed job, never full ownership, so a crashed worker's jobs become
// claimable again after lease expiry.
type Job struct {
	ID            core.ID         `json:"id"`
	ExecutionID   core.ID         `json:"execution_id"`
	WorkflowID    string          `json:"workflow_id"`
	Mode          core.RunMode    `json:"mode"`
	Status        JobStatus       `json:"status"`
	Priority      int             `json:"priority"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	ClaimedBy     string          `json:"claimed_by,omitempty"`
	Attempt       int             `json:"attempt"`
	MaxConcurrent int             `json:"max_concurrent,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SeedItem decodes the job payload into the run's seed item.
func (j *Job) SeedItem() (*core.Item, error) {
	if len(j.Payload) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(j.Payload, &value); err != nil {
		return nil, err
	}
	item := core.NewItem(value)
	return &item, nil
}

// EnqueueRequest admits one run.
type EnqueueRequest struct {
	WorkflowID string
	Mode       core.RunMode
	Payload    any
	Priority   int
	// MaxConcurrent overrides the queue's per-workflow ceiling when
	// positive (from workflow settings).
	MaxConcurrent int
}

// Service is the admission-control boundary between "a run was
// requested" and "a run is executing".
type Service interface {
	// Enqueue creates the execution record and the queue job.
	Enqueue(ctx context.Context, req *EnqueueRequest) (*Job, error)
	// Claim leases the next admissible job, or returns (nil, nil)
	// when nothing is claimable.
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Job, error)
	Complete(ctx context.Context, jobID core.ID) error
	// Fail re-queues with backoff when retryable and attempts remain,
	// otherwise dead-letters the job. The outcome tells the caller
	// which of the two happened.
	Fail(ctx context.Context, jobID core.ID, retryable bool) (FailOutcome, error)
	ExtendLease(ctx context.Context, jobID core.ID, leaseDuration time.Duration) error
	// ListDeadLetters surfaces dead-lettered jobs for operators.
	ListDeadLetters(ctx context.Context) ([]*Job, error)
	// EnqueueErrorRun admits a run of an error workflow with the
	// synthesized error payload.
	EnqueueErrorRun(ctx context.Context, workflowID string, data *execution.WorkflowErrorData) error
}
