package store

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

// ErrRecordNotFound is returned when an execution record does not exist.
var ErrRecordNotFound = fmt.Errorf("execution record not found")

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	WorkflowID *string
	Status     *core.StatusType
	Limit      int
}

// Repository is the durable record of runs. Per-node results are keyed
// by (execution, node) and upserted so a resumed run converges on the
// same record as an uninterrupted one.
type Repository interface {
	CreateRecord(ctx context.Context, record *execution.Record) error
	GetRecord(ctx context.Context, execID core.ID) (*execution.Record, error)
	UpdateStatus(ctx context.Context, execID core.ID, status core.StatusType, finishedAt *time.Time) error
	UpsertNodeResult(ctx context.Context, execID core.ID, result *execution.NodeResult) error
	ListRecords(ctx context.Context, filter *RecordFilter) ([]*execution.Record, error)
}
