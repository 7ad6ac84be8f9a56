package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

func mockRepo(t *testing.T) (*PostgresRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepo(mock), mock
}

func TestPostgresCreateRecord(t *testing.T) {
	t.Run("Should insert the execution record", func(t *testing.T) {
		repo, mock := mockRepo(t)
		record := execution.NewRecord(core.MustNewID(), "orders", core.ModeManual)
		mock.ExpectExec("INSERT INTO execution_records").
			WithArgs(record.ID.String(), "orders", "PENDING", "manual", record.StartedAt, record.FinishedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.CreateRecord(context.Background(), record))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should wrap database failures", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectExec("INSERT INTO execution_records").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(assert.AnError)

		err := repo.CreateRecord(context.Background(), execution.NewRecord(core.MustNewID(), "orders", core.ModeManual))
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestPostgresGetRecord(t *testing.T) {
	t.Run("Should hydrate the record with its node results", func(t *testing.T) {
		repo, mock := mockRepo(t)
		execID := core.MustNewID()
		startedAt := time.Now().UTC()

		mock.ExpectQuery("FROM execution_records").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.
				NewRows([]string{"id", "workflow_id", "status", "mode", "started_at", "finished_at"}).
				AddRow(execID.String(), "orders", "RUNNING", "manual", startedAt, (*time.Time)(nil)))
		mock.ExpectQuery("FROM node_results").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.
				NewRows([]string{"execution_id", "node_id", "status", "start_time", "end_time", "outputs", "error"}).
				AddRow(execID.String(), "charge", "SUCCESS", startedAt, &startedAt,
					[]byte(`{"main":[{"json":{"n":1}}]}`), []byte(nil)))

		record, err := repo.GetRecord(context.Background(), execID)
		require.NoError(t, err)
		assert.Equal(t, "orders", record.WorkflowID)
		assert.Equal(t, core.StatusRunning, record.Status)
		require.Contains(t, record.NodeResults, core.NodeID("charge"))
		result := record.NodeResults["charge"]
		assert.Equal(t, core.StatusSuccess, result.Status)
		assert.Len(t, result.Outputs[core.PinMain], 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should map missing rows to not-found", func(t *testing.T) {
		repo, mock := mockRepo(t)
		execID := core.MustNewID()
		mock.ExpectQuery("FROM execution_records").
			WithArgs(execID.String()).
			WillReturnRows(pgxmock.NewRows([]string{"id", "workflow_id", "status", "mode", "started_at", "finished_at"}))

		_, err := repo.GetRecord(context.Background(), execID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestPostgresUpdateStatus(t *testing.T) {
	t.Run("Should update status and finish time", func(t *testing.T) {
		repo, mock := mockRepo(t)
		execID := core.MustNewID()
		finished := time.Now().UTC()
		mock.ExpectExec("UPDATE execution_records").
			WithArgs("SUCCESS", finished, execID.String()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.UpdateStatus(context.Background(), execID, core.StatusSuccess, &finished))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should report not-found when no row matches", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectExec("UPDATE execution_records").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdateStatus(context.Background(), core.MustNewID(), core.StatusFailed, nil)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestPostgresUpsertNodeResult(t *testing.T) {
	t.Run("Should upsert the result row", func(t *testing.T) {
		repo, mock := mockRepo(t)
		execID := core.MustNewID()
		now := time.Now().UTC()
		mock.ExpectExec("INSERT INTO node_results").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := repo.UpsertNodeResult(context.Background(), execID, &execution.NodeResult{
			NodeID:    "charge",
			Status:    core.StatusSuccess,
			StartTime: now,
			EndTime:   now,
			Outputs:   map[string][]core.Item{core.PinMain: {core.NewItem(map[string]any{"n": 1})}},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresListRecords(t *testing.T) {
	t.Run("Should apply workflow and status filters", func(t *testing.T) {
		repo, mock := mockRepo(t)
		startedAt := time.Now().UTC()
		mock.ExpectQuery(`WHERE workflow_id = \$1 AND status = \$2`).
			WithArgs("orders", "FAILED").
			WillReturnRows(pgxmock.
				NewRows([]string{"id", "workflow_id", "status", "mode", "started_at", "finished_at"}).
				AddRow(core.MustNewID().String(), "orders", "FAILED", "webhook", startedAt, (*time.Time)(nil)))

		workflowID := "orders"
		failed := core.StatusFailed
		records, err := repo.ListRecords(context.Background(), &RecordFilter{
			WorkflowID: &workflowID,
			Status:     &failed,
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, core.StatusFailed, records[0].Status)
		assert.Equal(t, core.ModeWebhook, records[0].Mode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should list without filters", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectQuery("FROM execution_records").
			WillReturnRows(pgxmock.NewRows([]string{"id", "workflow_id", "status", "mode", "started_at", "finished_at"}))

		records, err := repo.ListRecords(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
