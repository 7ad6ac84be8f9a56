package store

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

// MemoryRepo is the in-process Repository used by tests and
// single-binary deployments without a database.
type MemoryRepo struct {
	mu      sync.RWMutex
	records map[core.ID]*execution.Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[core.ID]*execution.Record)}
}

func (m *MemoryRepo) CreateRecord(_ context.Context, record *execution.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = cloneRecord(record)
	return nil
}

func (m *MemoryRepo) GetRecord(_ context.Context, execID core.ID) (*execution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[execID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

func (m *MemoryRepo) UpdateStatus(
	_ context.Context,
	execID core.ID,
	status core.StatusType,
	finishedAt *time.Time,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[execID]
	if !ok {
		return ErrRecordNotFound
	}
	record.Status = status
	if finishedAt != nil {
		at := *finishedAt
		record.FinishedAt = &at
	}
	return nil
}

func (m *MemoryRepo) UpsertNodeResult(_ context.Context, execID core.ID, result *execution.NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[execID]
	if !ok {
		return ErrRecordNotFound
	}
	clone := *result
	record.NodeResults[result.NodeID] = &clone
	return nil
}

func (m *MemoryRepo) ListRecords(_ context.Context, filter *RecordFilter) ([]*execution.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*execution.Record{}
	for _, record := range m.records {
		if filter != nil {
			if filter.WorkflowID != nil && record.WorkflowID != *filter.WorkflowID {
				continue
			}
			if filter.Status != nil && record.Status != *filter.Status {
				continue
			}
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		out = append(out, cloneRecord(record))
	}
	return out, nil
}

func cloneRecord(record *execution.Record) *execution.Record {
	clone := *record
	if record.FinishedAt != nil {
		at := *record.FinishedAt
		clone.FinishedAt = &at
	}
	clone.NodeResults = make(map[core.NodeID]*execution.NodeResult, len(record.NodeResults))
	for id, result := range record.NodeResults {
		resultClone := *result
		clone.NodeResults[id] = &resultClone
	}
	return &clone
}
