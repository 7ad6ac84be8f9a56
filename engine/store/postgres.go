package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// DBInterface abstracts the pgx pool so tests can substitute pgxmock.
type DBInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS execution_records (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS node_results (
	execution_id TEXT NOT NULL REFERENCES execution_records (id) ON DELETE CASCADE,
	node_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	start_time   TIMESTAMPTZ NOT NULL,
	end_time     TIMESTAMPTZ,
	outputs      JSONB,
	error        JSONB,
	PRIMARY KEY (execution_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_execution_records_workflow
	ON execution_records (workflow_id, started_at DESC);
`

// PostgresRepo implements Repository on Postgres.
type PostgresRepo struct {
	db DBInterface
}

func NewPostgresRepo(db DBInterface) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Connect opens a pool and ensures the schema exists.
func Connect(ctx context.Context, connString string) (*PostgresRepo, func(), error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging postgres: %w", err)
	}
	repo := NewPostgresRepo(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.FromContext(ctx).Info("execution store connected", "driver", "postgres")
	return repo, pool.Close, nil
}

// EnsureSchema creates the store tables when missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensuring store schema: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Row types
// -----------------------------------------------------------------------------

type recordDB struct {
	ID         string     `db:"id"`
	WorkflowID string     `db:"workflow_id"`
	Status     string     `db:"status"`
	Mode       string     `db:"mode"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

type nodeResultDB struct {
	ExecutionID string     `db:"execution_id"`
	NodeID      string     `db:"node_id"`
	Status      string     `db:"status"`
	StartTime   time.Time  `db:"start_time"`
	EndTime     *time.Time `db:"end_time"`
	OutputsRaw  []byte     `db:"outputs"`
	ErrorRaw    []byte     `db:"error"`
}

func (n *nodeResultDB) toResult() (*execution.NodeResult, error) {
	result := &execution.NodeResult{
		NodeID:    core.NodeID(n.NodeID),
		Status:    core.StatusType(n.Status),
		StartTime: n.StartTime,
	}
	if n.EndTime != nil {
		result.EndTime = *n.EndTime
	}
	if n.OutputsRaw != nil {
		if err := json.Unmarshal(n.OutputsRaw, &result.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshaling outputs: %w", err)
		}
	}
	if n.ErrorRaw != nil {
		if err := json.Unmarshal(n.ErrorRaw, &result.Error); err != nil {
			return nil, fmt.Errorf("unmarshaling error: %w", err)
		}
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Repository implementation
// -----------------------------------------------------------------------------

func (r *PostgresRepo) CreateRecord(ctx context.Context, record *execution.Record) error {
	sql, args, err := squirrel.Insert("execution_records").
		Columns("id", "workflow_id", "status", "mode", "started_at", "finished_at").
		Values(record.ID.String(), record.WorkflowID, record.Status.String(),
			record.Mode.String(), record.StartedAt, record.FinishedAt).
		Suffix("ON CONFLICT (id) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting execution record: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetRecord(ctx context.Context, execID core.ID) (*execution.Record, error) {
	var recordRow recordDB
	err := pgxscan.Get(ctx, r.db, &recordRow,
		`SELECT id, workflow_id, status, mode, started_at, finished_at
		 FROM execution_records WHERE id = $1`, execID.String())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("scanning execution record: %w", err)
	}
	var resultRows []*nodeResultDB
	err = pgxscan.Select(ctx, r.db, &resultRows,
		`SELECT execution_id, node_id, status, start_time, end_time, outputs, error
		 FROM node_results WHERE execution_id = $1`, execID.String())
	if err != nil {
		return nil, fmt.Errorf("scanning node results: %w", err)
	}
	record := &execution.Record{
		ID:          core.ID(recordRow.ID),
		WorkflowID:  recordRow.WorkflowID,
		Status:      core.StatusType(recordRow.Status),
		Mode:        core.RunMode(recordRow.Mode),
		StartedAt:   recordRow.StartedAt,
		FinishedAt:  recordRow.FinishedAt,
		NodeResults: make(map[core.NodeID]*execution.NodeResult, len(resultRows)),
	}
	for _, row := range resultRows {
		result, err := row.toResult()
		if err != nil {
			return nil, err
		}
		record.NodeResults[result.NodeID] = result
	}
	return record, nil
}

func (r *PostgresRepo) UpdateStatus(
	ctx context.Context,
	execID core.ID,
	status core.StatusType,
	finishedAt *time.Time,
) error {
	update := squirrel.Update("execution_records").
		Set("status", status.String()).
		Where("id = ?", execID.String()).
		PlaceholderFormat(squirrel.Dollar)
	if finishedAt != nil {
		update = update.Set("finished_at", *finishedAt)
	}
	sql, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PostgresRepo) UpsertNodeResult(ctx context.Context, execID core.ID, result *execution.NodeResult) error {
	outputsRaw, err := json.Marshal(result.Outputs)
	if err != nil {
		return fmt.Errorf("marshaling outputs: %w", err)
	}
	var errorRaw []byte
	if result.Error != nil {
		if errorRaw, err = json.Marshal(result.Error); err != nil {
			return fmt.Errorf("marshaling error: %w", err)
		}
	}
	var endTime *time.Time
	if !result.EndTime.IsZero() {
		endTime = &result.EndTime
	}
	sql, args, err := squirrel.Insert("node_results").
		Columns("execution_id", "node_id", "status", "start_time", "end_time", "outputs", "error").
		Values(execID.String(), result.NodeID.String(), result.Status.String(),
			result.StartTime, endTime, outputsRaw, errorRaw).
		Suffix(`ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			outputs = EXCLUDED.outputs,
			error = EXCLUDED.error`).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upserting node result: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListRecords(ctx context.Context, filter *RecordFilter) ([]*execution.Record, error) {
	sb := squirrel.Select("id", "workflow_id", "status", "mode", "started_at", "finished_at").
		From("execution_records").
		OrderBy("started_at DESC").
		PlaceholderFormat(squirrel.Dollar)
	if filter != nil {
		if filter.WorkflowID != nil {
			sb = sb.Where("workflow_id = ?", *filter.WorkflowID)
		}
		if filter.Status != nil {
			sb = sb.Where("status = ?", filter.Status.String())
		}
		if filter.Limit > 0 {
			sb = sb.Limit(uint64(filter.Limit))
		}
	}
	sql, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	var rows []*recordDB
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("scanning execution records: %w", err)
	}
	records := make([]*execution.Record, len(rows))
	for i, row := range rows {
		records[i] = &execution.Record{
			ID:          core.ID(row.ID),
			WorkflowID:  row.WorkflowID,
			Status:      core.StatusType(row.Status),
			Mode:        core.RunMode(row.Mode),
			StartedAt:   row.StartedAt,
			FinishedAt:  row.FinishedAt,
			NodeResults: map[core.NodeID]*execution.NodeResult{},
		}
	}
	return records, nil
}
