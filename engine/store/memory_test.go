package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

func TestMemoryRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("Should round-trip an execution record", func(t *testing.T) {
		repo := NewMemoryRepo()
		record := execution.NewRecord(core.MustNewID(), "orders", core.ModeManual)
		require.NoError(t, repo.CreateRecord(ctx, record))

		got, err := repo.GetRecord(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "orders", got.WorkflowID)
		assert.Equal(t, core.StatusPending, got.Status)
	})
	t.Run("Should return not-found for unknown executions", func(t *testing.T) {
		repo := NewMemoryRepo()
		_, err := repo.GetRecord(ctx, core.MustNewID())
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.ErrorIs(t, repo.UpdateStatus(ctx, core.MustNewID(), core.StatusRunning, nil), ErrRecordNotFound)
		assert.ErrorIs(t, repo.UpsertNodeResult(ctx, core.MustNewID(), &execution.NodeResult{NodeID: "x"}), ErrRecordNotFound)
	})
	t.Run("Should isolate stored records from caller mutation", func(t *testing.T) {
		repo := NewMemoryRepo()
		record := execution.NewRecord(core.MustNewID(), "orders", core.ModeManual)
		require.NoError(t, repo.CreateRecord(ctx, record))
		record.WorkflowID = "mutated"

		got, err := repo.GetRecord(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "orders", got.WorkflowID)

		got.Status = core.StatusFailed
		again, err := repo.GetRecord(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusPending, again.Status)
	})
	t.Run("Should update status and finish time", func(t *testing.T) {
		repo := NewMemoryRepo()
		record := execution.NewRecord(core.MustNewID(), "orders", core.ModeManual)
		require.NoError(t, repo.CreateRecord(ctx, record))

		finished := time.Now().UTC()
		require.NoError(t, repo.UpdateStatus(ctx, record.ID, core.StatusSuccess, &finished))
		got, err := repo.GetRecord(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusSuccess, got.Status)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, got.FinishedAt.Equal(finished))
	})
	t.Run("Should upsert node results by node id", func(t *testing.T) {
		repo := NewMemoryRepo()
		record := execution.NewRecord(core.MustNewID(), "orders", core.ModeManual)
		require.NoError(t, repo.CreateRecord(ctx, record))

		require.NoError(t, repo.UpsertNodeResult(ctx, record.ID, &execution.NodeResult{
			NodeID: "charge",
			Status: core.StatusRunning,
		}))
		require.NoError(t, repo.UpsertNodeResult(ctx, record.ID, &execution.NodeResult{
			NodeID: "charge",
			Status: core.StatusSuccess,
		}))
		got, err := repo.GetRecord(ctx, record.ID)
		require.NoError(t, err)
		require.Len(t, got.NodeResults, 1)
		assert.Equal(t, core.StatusSuccess, got.NodeResults["charge"].Status)
	})
	t.Run("Should filter listings by workflow, status, and limit", func(t *testing.T) {
		repo := NewMemoryRepo()
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.CreateRecord(ctx, execution.NewRecord(core.MustNewID(), "orders", core.ModeManual)))
		}
		other := execution.NewRecord(core.MustNewID(), "billing", core.ModeSchedule)
		other.Status = core.StatusFailed
		require.NoError(t, repo.CreateRecord(ctx, other))

		workflowID := "orders"
		byWorkflow, err := repo.ListRecords(ctx, &RecordFilter{WorkflowID: &workflowID})
		require.NoError(t, err)
		assert.Len(t, byWorkflow, 3)

		failed := core.StatusFailed
		byStatus, err := repo.ListRecords(ctx, &RecordFilter{Status: &failed})
		require.NoError(t, err)
		assert.Len(t, byStatus, 1)

		limited, err := repo.ListRecords(ctx, &RecordFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}
