package catalog

import (
	"context"
	"time"
)

// JobRun is one run of a scheduled job as reported by the job controller.
type JobRun struct {
	ID          string     `json:"id"`
	JobName     string     `json:"job_name"`
	State       string     `json:"state"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Job-run states shared with the Glue-style state-change adapter.
const (
	RunStarting  = "STARTING"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
	RunTimeout   = "TIMEOUT"
	RunError     = "ERROR"
	RunStopped   = "STOPPED"
)

// Succeeded reports whether the run finished cleanly.
func (r JobRun) Succeeded() bool {
	return r.State == RunSucceeded
}

// InProgress reports whether the run has not finished yet.
func (r JobRun) InProgress() bool {
	return r.State == RunStarting || r.State == RunRunning
}

// JobController starts job runs and reports recent ones.
type JobController interface {
	StartJobRun(ctx context.Context, jobName string, args map[string]string) (runID string, err error)

	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, jobName string, limit int) ([]JobRun, error)
}

// RunLogReader is implemented by job controllers that keep the log output
// of their runs.
type RunLogReader interface {
	// RunLogs returns up to limit of the run's most recent error lines,
	// oldest first.
	RunLogs(ctx context.Context, jobName, runID string, limit int) ([]string, error)
}

// SchemaRegistry holds the column type mappings jobs read their input
// with.
type SchemaRegistry interface {
	// ApplyMapping sets table.column to toType if it is currently fromType
	// or already toType. It returns CodeNotFound when the column is
	// unknown and CodeConflict when it holds some other type.
	ApplyMapping(ctx context.Context, table, column, fromType, toType string) error

	// CurrentMapping returns the column's type, or found=false.
	CurrentMapping(ctx context.Context, table, column string) (colType string, found bool, err error)
}

// Quarantiner moves input objects aside so a rerun skips them.
type Quarantiner interface {
	// Quarantine moves bucket/key to bucket/destKey tagged with meta. A
	// source that is already gone while destKey exists is not an error.
	Quarantine(ctx context.Context, bucket, key, destKey string, meta map[string]string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// QueryRunner executes screened remediation SQL.
type QueryRunner interface {
	Exec(ctx context.Context, sql string) (rowsAffected int64, err error)

	// QueryInt runs a query returning one integer or boolean cell.
	QueryInt(ctx context.Context, sql string) (int64, error)
}

// QueryPlanner translates a natural-language request into one SQL
// statement.
type QueryPlanner interface {
	Plan(ctx context.Context, question string) (sql string, err error)
}

// Backends are the external systems the built-in actions act on. A nil
// backend leaves its actions unregistered.
type Backends struct {
	Jobs    JobController
	Schemas SchemaRegistry
	Objects Quarantiner
	Queries QueryRunner
	Planner QueryPlanner
}
