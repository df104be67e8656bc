// Package executor runs catalog actions for an incident under each
// action's timeout and retry policy, and records every attempt in the
// execution ledger before and after the external call.
//
// The ledger makes execution idempotent per incident: a terminal entry for
// the same idempotency key is returned as-is instead of running the action
// again, and an entry left pending or ambiguous by a crash resumes with
// the attempts it already used.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/selfheal/pkg/catalog"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/executor"

// Ledger persists execution entries. PutEntry must refuse to overwrite a
// terminal entry with anything but its verification result (see
// incident.LedgerEntry.CanReplace) and return CodeConflict instead.
type Ledger interface {
	GetEntry(ctx context.Context, incidentID, key string) (*incident.LedgerEntry, error)
	PutEntry(ctx context.Context, entry *incident.LedgerEntry) error
}

// Catalog resolves action names. *catalog.Registry implements it.
type Catalog interface {
	Lookup(name string) (catalog.Action, error)
}

// Config shapes the retry schedule shared by all actions. The number of
// retries and the per-call timeout come from each action's policy.
type Config struct {
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"500ms" yaml:"retry_initial_interval" validate:"gte=0"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"30s" yaml:"retry_max_interval" validate:"gte=0"`
}

// Phase distinguishes execution from verification in observations.
type Phase string

const (
	PhaseExecute Phase = "execute"
	PhaseVerify  Phase = "verify"
)

// Execution describes one finished Execute or Verify call.
type Execution struct {
	IncidentID string
	Action     string
	Phase      Phase
	Outcome    incident.Outcome
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithObserver registers a callback invoked after every Execute and
// Verify that reached the action.
func WithObserver(fn func(Execution)) Option {
	return func(e *Executor) { e.observe = fn }
}

// Executor is safe for concurrent use.
type Executor struct {
	catalog Catalog
	ledger  Ledger
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	observe func(Execution)
	now     func() time.Time
}

// New returns an executor.
func New(cat Catalog, ledger Ledger, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		catalog: cat,
		ledger:  ledger,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key validates params and returns the action's idempotency key.
func (e *Executor) Key(actionName string, params map[string]any) (catalog.Action, string, error) {
	action, err := e.catalog.Lookup(actionName)
	if err != nil {
		return nil, "", err
	}
	if err := action.Validate(params); err != nil {
		return nil, "", err
	}
	key, err := action.Key(params)
	if err != nil {
		return nil, "", err
	}
	return action, key, nil
}

// Execute runs the action unless the ledger already holds a terminal
// outcome for the same parameters.
//
// The returned error is reserved for problems that prevented execution:
// an unknown action, invalid parameters, ledger failures or ctx ending.
// Action failures are reported in Outcome.Error.
func (e *Executor) Execute(ctx context.Context, incidentID, actionName string, params map[string]any) (out incident.Outcome, err error) {
	ctx, span := e.startSpan(ctx, "Execute", incidentID, actionName)
	defer func() { finishSpan(span, err, out) }()

	action, key, err := e.Key(actionName, params)
	if err != nil {
		return incident.Outcome{}, err
	}
	span.SetAttributes(attribute.String("action.idempotency_key", key))

	entry, err := e.lookup(ctx, incidentID, key)
	if err != nil {
		return incident.Outcome{}, err
	}
	if entry != nil && entry.State.IsTerminal() {
		out = entry.Outcome
		out.Replayed = true
		e.logger.Info("executor: replaying recorded outcome",
			"incident_id", incidentID, "action", actionName, "state", entry.State)
		return out, nil
	}
	if entry == nil {
		now := e.now()
		entry = &incident.LedgerEntry{
			IncidentID: incidentID,
			Key:        key,
			Action:     actionName,
			Parameters: params,
			CreatedAt:  now,
		}
	}

	start := time.Now()
	out, err = e.run(ctx, action, entry)
	if err != nil {
		return incident.Outcome{}, err
	}
	out.Duration = time.Since(start)
	e.notify(Execution{IncidentID: incidentID, Action: actionName, Phase: PhaseExecute, Outcome: out})
	return out, nil
}

// run drives the attempt loop. Every attempt is recorded as pending before
// the call; timeouts are recorded as ambiguous and retried while the
// policy allows.
func (e *Executor) run(ctx context.Context, action catalog.Action, entry *incident.LedgerEntry) (incident.Outcome, error) {
	policy := action.Policy()
	budget := 1 + policy.MaxRetries - entry.Attempts
	if budget <= 0 {
		return e.finish(ctx, entry, incident.LedgerFailed,
			sserr.Newf(sserr.CodeAmbiguousOutcome, "executor: %s outcome unknown after %d attempts", entry.Action, entry.Attempts))
	}

	var lastErr error
	op := func() (incident.LedgerState, error) {
		entry.Attempts++
		if err := e.record(ctx, entry, incident.LedgerPending, nil); err != nil {
			return "", backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		callErr := action.Execute(callCtx, entry.Parameters)
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if ctx.Err() != nil {
			return "", backoff.Permanent(sserr.FromContext(ctx.Err(), sserr.CodeTimeout, "executor: execution interrupted"))
		}
		switch {
		case callErr == nil:
			return incident.LedgerSucceeded, nil
		case timedOut || sserr.IsTimeout(callErr):
			lastErr = sserr.Wrapf(callErr, sserr.CodeAmbiguousOutcome, "executor: %s attempt %d timed out", entry.Action, entry.Attempts)
			if err := e.record(ctx, entry, incident.LedgerAmbiguous, lastErr); err != nil {
				return "", backoff.Permanent(err)
			}
			return "", lastErr
		case sserr.IsRetryable(callErr):
			lastErr = callErr
			return "", callErr
		default:
			lastErr = callErr
			return incident.LedgerFailed, nil
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.backoff(), uint64(budget-1)), ctx)
	state, err := backoff.RetryNotifyWithData(op, b, func(err error, wait time.Duration) {
		e.logger.Warn("executor: attempt failed, retrying",
			"incident_id", entry.IncidentID, "action", entry.Action,
			"attempt", entry.Attempts, "error", err, "wait", wait)
	})
	switch {
	case err == nil && state == incident.LedgerSucceeded:
		return e.finish(ctx, entry, incident.LedgerSucceeded, nil)
	case err == nil:
		return e.finish(ctx, entry, incident.LedgerFailed, lastErr)
	case errors.Is(err, lastErr) && ctx.Err() == nil:
		return e.finish(ctx, entry, incident.LedgerFailed, lastErr)
	case ctx.Err() != nil:
		return incident.Outcome{}, sserr.FromContext(ctx.Err(), sserr.CodeTimeout, "executor: execution interrupted")
	default:
		return incident.Outcome{}, err
	}
}

func (e *Executor) backoff() *backoff.ExponentialBackOff {
	opts := []backoff.ExponentialBackOffOpts{backoff.WithInitialInterval(e.cfg.RetryInitialInterval)}
	if e.cfg.RetryMaxInterval > 0 {
		opts = append(opts, backoff.WithMaxInterval(e.cfg.RetryMaxInterval))
	}
	return backoff.NewExponentialBackOff(opts...)
}

func (e *Executor) finish(ctx context.Context, entry *incident.LedgerEntry, state incident.LedgerState, cause error) (incident.Outcome, error) {
	if err := e.record(ctx, entry, state, cause); err != nil {
		return incident.Outcome{}, err
	}
	level := slog.LevelInfo
	if state != incident.LedgerSucceeded {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "executor: action finished",
		"incident_id", entry.IncidentID, "action", entry.Action,
		"state", state, "attempts", entry.Attempts, "error", cause)
	return entry.Outcome, nil
}

func (e *Executor) record(ctx context.Context, entry *incident.LedgerEntry, state incident.LedgerState, cause error) error {
	entry.State = state
	entry.UpdatedAt = e.now()
	entry.Outcome = incident.Outcome{
		Succeeded:      state == incident.LedgerSucceeded,
		Error:          incident.NewOutcomeError(cause),
		IdempotencyKey: entry.Key,
		Attempts:       entry.Attempts,
	}
	if err := e.ledger.PutEntry(ctx, entry); err != nil {
		code := sserr.GetCode(err)
		if code == "" {
			code = sserr.CodeInternalDatabase
		}
		return sserr.Wrapf(err, code, "executor: failed to record %s entry", state)
	}
	return nil
}

// Verify runs the action's post-condition check for a successful
// execution and records a positive result on the ledger entry.
func (e *Executor) Verify(ctx context.Context, incidentID, actionName string, params map[string]any) (out incident.Outcome, err error) {
	ctx, span := e.startSpan(ctx, "Verify", incidentID, actionName)
	defer func() { finishSpan(span, err, out) }()

	action, key, err := e.Key(actionName, params)
	if err != nil {
		return incident.Outcome{}, err
	}
	entry, err := e.lookup(ctx, incidentID, key)
	if err != nil {
		return incident.Outcome{}, err
	}
	if entry == nil || entry.State != incident.LedgerSucceeded {
		return incident.Outcome{}, sserr.Invariantf("executor: verify of %s without a successful execution", key)
	}
	if entry.Outcome.Verified {
		out = entry.Outcome
		out.Replayed = true
		return out, nil
	}

	policy := action.Policy()
	start := time.Now()
	op := func() (bool, error) {
		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
		ok, err := action.Verify(callCtx, params)
		if err != nil && !sserr.IsRetryable(err) && callCtx.Err() == nil {
			return false, backoff.Permanent(err)
		}
		return ok, err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(e.backoff(), uint64(policy.MaxRetries)), ctx)
	verified, verr := backoff.RetryWithData(op, b)
	if ctx.Err() != nil {
		return incident.Outcome{}, sserr.FromContext(ctx.Err(), sserr.CodeTimeout, "executor: verification interrupted")
	}

	out = entry.Outcome
	out.Duration = time.Since(start)
	out.Verified = verr == nil && verified
	if verr != nil {
		out.Error = incident.NewOutcomeError(verr)
	}
	if out.Verified {
		entry.Outcome.Verified = true
		entry.UpdatedAt = e.now()
		if err := e.ledger.PutEntry(ctx, entry); err != nil {
			return incident.Outcome{}, err
		}
	}
	e.notify(Execution{IncidentID: incidentID, Action: actionName, Phase: PhaseVerify, Outcome: out})
	return out, nil
}

func (e *Executor) lookup(ctx context.Context, incidentID, key string) (*incident.LedgerEntry, error) {
	entry, err := e.ledger.GetEntry(ctx, incidentID, key)
	if sserr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Executor) notify(ex Execution) {
	if e.observe != nil {
		e.observe(ex)
	}
}

func (e *Executor) startSpan(ctx context.Context, op, incidentID, action string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "executor."+op, trace.WithAttributes(
		attribute.String("incident.id", incidentID),
		attribute.String("action.name", action),
	))
}

func finishSpan(span trace.Span, err error, out incident.Outcome) {
	span.SetAttributes(
		attribute.Bool("action.succeeded", out.Succeeded),
		attribute.Bool("action.verified", out.Verified),
		attribute.Int("action.attempts", out.Attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
