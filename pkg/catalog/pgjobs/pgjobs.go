// Package pgjobs implements the catalog's job-control, schema-mapping and
// remediation-query backends on PostgreSQL.
//
// Job runs are modelled as a queue table: StartJobRun inserts a STARTING
// row that the job runner claims, and the runner updates its state as it
// progresses and appends its error output to selfheal_job_run_logs. Schema mappings are the column types the runner casts input
// with.
package pgjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/clients/postgres"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Schema creates the tables used by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS selfheal_job_runs (
    id           TEXT PRIMARY KEY,
    job_name     TEXT NOT NULL,
    state        TEXT NOT NULL,
    arguments    JSONB NOT NULL DEFAULT '{}'::jsonb,
    error        TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS selfheal_job_runs_job_started
    ON selfheal_job_runs (job_name, started_at DESC);

CREATE TABLE IF NOT EXISTS selfheal_job_run_logs (
    id        BIGSERIAL PRIMARY KEY,
    run_id    TEXT NOT NULL,
    job_name  TEXT NOT NULL,
    message   TEXT NOT NULL,
    logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS selfheal_job_run_logs_run
    ON selfheal_job_run_logs (run_id, id);

CREATE TABLE IF NOT EXISTS selfheal_schema_mappings (
    table_name  TEXT NOT NULL,
    column_name TEXT NOT NULL,
    column_type TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (table_name, column_name)
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *postgres.Client) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Jobs implements catalog.JobController.
type Jobs struct {
	db *postgres.Client
}

var (
	_ catalog.JobController = (*Jobs)(nil)
	_ catalog.RunLogReader  = (*Jobs)(nil)
)

// NewJobs returns a job controller backed by db.
func NewJobs(db *postgres.Client) *Jobs {
	return &Jobs{db: db}
}

const insertRun = `INSERT INTO selfheal_job_runs (id, job_name, state, arguments, started_at)
VALUES ($1, $2, $3, $4, $5)`

// StartJobRun enqueues a new run and returns its id.
func (j *Jobs) StartJobRun(ctx context.Context, jobName string, args map[string]string) (string, error) {
	if args == nil {
		args = map[string]string{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "pgjobs: failed to encode arguments")
	}
	id := "jr_" + uuid.NewString()
	if _, err := j.db.Exec(ctx, insertRun, id, jobName, catalog.RunStarting, raw, time.Now().UTC()); err != nil {
		return "", err
	}
	return id, nil
}

const selectRuns = `SELECT id, job_name, state, error, started_at, completed_at
FROM selfheal_job_runs WHERE job_name = $1 ORDER BY started_at DESC LIMIT $2`

// RecentRuns returns up to limit runs of jobName, newest first.
func (j *Jobs) RecentRuns(ctx context.Context, jobName string, limit int) ([]catalog.JobRun, error) {
	rows, err := j.db.Query(ctx, selectRuns, jobName, limit)
	if err != nil {
		return nil, err
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.JobRun, error) {
		var r catalog.JobRun
		err := row.Scan(&r.ID, &r.JobName, &r.State, &r.Error, &r.StartedAt, &r.CompletedAt)
		return r, err
	})
	if err != nil {
		return nil, postgres.WrapError(err, "pgjobs: failed to read job runs")
	}
	return runs, nil
}

const selectRunLogs = `SELECT message FROM (
    SELECT id, message FROM selfheal_job_run_logs
    WHERE job_name = $1 AND run_id = $2 ORDER BY id DESC LIMIT $3
) recent ORDER BY id`

// RunLogs returns the last limit error lines the runner logged for runID,
// oldest first.
func (j *Jobs) RunLogs(ctx context.Context, jobName, runID string, limit int) ([]string, error) {
	rows, err := j.db.Query(ctx, selectRunLogs, jobName, runID, limit)
	if err != nil {
		return nil, err
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, postgres.WrapError(err, "pgjobs: failed to read run logs")
	}
	return lines, nil
}

// Schemas implements catalog.SchemaRegistry.
type Schemas struct {
	db *postgres.Client
}

var _ catalog.SchemaRegistry = (*Schemas)(nil)

// NewSchemas returns a schema registry backed by db.
func NewSchemas(db *postgres.Client) *Schemas {
	return &Schemas{db: db}
}

const casMapping = `UPDATE selfheal_schema_mappings
SET column_type = $4, updated_at = now()
WHERE table_name = $1 AND column_name = $2 AND column_type IN ($3, $4)`

const selectMapping = `SELECT column_type FROM selfheal_schema_mappings
WHERE table_name = $1 AND column_name = $2`

// ApplyMapping implements catalog.SchemaRegistry.
func (s *Schemas) ApplyMapping(ctx context.Context, table, column, fromType, toType string) error {
	tag, err := s.db.Exec(ctx, casMapping, table, column, fromType, toType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, found, err := s.CurrentMapping(ctx, table, column)
	if err != nil {
		return err
	}
	if !found {
		return sserr.NotFoundf("pgjobs: no mapping for %s.%s", table, column)
	}
	return sserr.Conflictf("pgjobs: %s.%s is %s, expected %s", table, column, current, fromType)
}

// CurrentMapping implements catalog.SchemaRegistry.
func (s *Schemas) CurrentMapping(ctx context.Context, table, column string) (string, bool, error) {
	var colType string
	err := s.db.QueryRow(ctx, selectMapping, table, column).Scan(&colType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, postgres.WrapError(err, "pgjobs: failed to read mapping")
	}
	return colType, true, nil
}

// Queries implements catalog.QueryRunner.
type Queries struct {
	db *postgres.Client
}

var _ catalog.QueryRunner = (*Queries)(nil)

// NewQueries returns a query runner backed by db.
func NewQueries(db *postgres.Client) *Queries {
	return &Queries{db: db}
}

// Exec runs sql in its own transaction and returns the affected row count.
func (q *Queries) Exec(ctx context.Context, sql string) (int64, error) {
	var n int64
	err := q.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql)
		if err != nil {
			return postgres.WrapError(err, "pgjobs: remediation query failed")
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// QueryInt runs sql and returns its single cell as an integer. Booleans
// map to 0 and 1.
func (q *Queries) QueryInt(ctx context.Context, sql string) (int64, error) {
	var v any
	if err := q.db.QueryRow(ctx, sql).Scan(&v); err != nil {
		return 0, postgres.WrapError(err, "pgjobs: verification query failed")
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, sserr.Newf(sserr.CodeValidationParameters,
			"pgjobs: verification query must return an integer or boolean, got %s", fmt.Sprintf("%T", v))
	}
}
