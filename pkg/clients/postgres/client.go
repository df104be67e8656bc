// Package postgres is the PostgreSQL connection layer shared by the
// incident store and the job-control backends. It wraps a pgx pool with
// OpenTelemetry spans and converts driver errors into coded errors so
// callers can decide on retries with sserr.IsRetryable.
//
// Use [NewClient] in production and [NewFromPool] with pgxmock in tests:
//
//	mock, _ := pgxmock.NewPool()
//	client := postgres.NewFromPool(mock, nil)
package postgres

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/clients/postgres"

// SQLSTATE classes that get dedicated error codes.
const (
	pgUniqueViolation     = "23505"
	pgSerializationFailed = "40001"
	pgDeadlockDetected    = "40P01"
	pgQueryCanceled       = "57014"
)

// Pool is the subset of *pgxpool.Pool the client needs. pgxmock pools
// satisfy it as well.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client is a traced PostgreSQL pool. It is safe for concurrent use.
type Client struct {
	pool         Pool
	tracer       trace.Tracer
	databaseName string
}

// NewClient validates cfg, opens a pool and pings the server.
//
// Error codes: CodeValidation for bad configuration,
// CodeUnavailableDependency when the server cannot be reached.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: invalid configuration")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: failed to parse connection string")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: failed to connect to database")
	}

	dbName := cfg.Database
	if cfg.URI != "" {
		if u, parseErr := url.Parse(cfg.URI); parseErr == nil {
			dbName = strings.TrimPrefix(u.Path, "/")
		}
	}
	return &Client{pool: pool, tracer: otel.Tracer(tracerName), databaseName: dbName}, nil
}

// NewFromPool wraps an existing pool. cfg may be nil.
func NewFromPool(pool Pool, cfg *Config) *Client {
	name := ""
	if cfg != nil {
		name = cfg.Database
	}
	return &Client{pool: pool, tracer: otel.Tracer(tracerName), databaseName: name}
}

// Query runs a statement that returns rows. The caller closes the rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, span := c.startSpan(ctx, "Query", sql)
	rows, err := c.pool.Query(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return nil, WrapError(err, "postgres: query failed")
	}
	return rows, nil
}

// QueryRow runs a statement returning at most one row. Errors surface on
// Scan and should be passed through WrapError by the caller.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, span := c.startSpan(ctx, "QueryRow", sql)
	defer span.End()
	return c.pool.QueryRow(ctx, sql, args...)
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, span := c.startSpan(ctx, "Exec", sql)
	tag, err := c.pool.Exec(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return tag, WrapError(err, "postgres: exec failed")
	}
	return tag, nil
}

// InTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (c *Client) InTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	ctx, span := c.startSpan(ctx, "InTx", "BEGIN")
	defer func() { finishSpan(span, err) }()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return WrapError(err, "postgres: begin transaction failed")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		if _, coded := sserr.AsError(err); !coded {
			err = WrapError(err, "postgres: transaction failed")
		}
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return WrapError(err, "postgres: commit failed")
	}
	return nil
}

// Health pings the server, applying DefaultHealthTimeout when ctx has no
// deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "SELECT 1")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	err := c.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: health check failed")
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) startSpan(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "postgres."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", c.databaseName),
		attribute.String("db.statement", truncateSQL(sql)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// WrapError classifies a driver error:
//   - deadline, cancellation or statement timeout: CodeTimeoutDatabase
//   - unique violation: CodeAlreadyExists
//   - serialization failure or deadlock: CodeConflict
//   - connection failure: CodeUnavailableDependency
//   - pgx.ErrNoRows: CodeNotFound
//   - anything else: CodeInternalDatabase
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return sserr.Wrap(err, sserr.CodeNotFound, message)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return sserr.Wrap(err, sserr.CodeConflictAlreadyExists, message)
		case pgSerializationFailed, pgDeadlockDetected:
			return sserr.Wrap(err, sserr.CodeConflict, message)
		case pgQueryCanceled:
			return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
