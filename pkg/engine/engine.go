// Package engine is the incident state machine. It drives every incident
// from OPEN to RESOLVED, ESCALATED or FAILED through a bounded
// diagnose→act→verify cycle.
//
// Work arrives as incident ids on a queue served by a fixed pool of
// workers. A worker advances an incident step by step until it reaches a
// terminal status or has to wait for an approval. Each step runs under
// the incident's lease, extended by a heartbeat while the step runs and
// released once its transition is committed. Every transition is committed, version-checked, before the
// external call of the next status is made, so a crash leaves the last
// intended action in the history and a restart resumes from the persisted
// status. Waiting for approval holds no goroutine: the approval gate
// delivers the resolution as a new work item.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/approval"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/lease"
	"github.com/StricklySoft/selfheal/pkg/notify"
	"github.com/StricklySoft/selfheal/pkg/sink"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/engine"

// defaultHistoryWindow applies when the diagnoser does not report one.
const defaultHistoryWindow = 5

// cancelRounds bounds Cancel's retries when the incident keeps changing
// underneath it.
const cancelRounds = 5

// Store is the part of the incident store the engine uses.
type Store interface {
	Get(ctx context.Context, id string) (*incident.Incident, error)
	Commit(ctx context.Context, inc *incident.Incident, expectedVersion int) error
	ForceFail(ctx context.Context, id, reason string) error
	ListActive(ctx context.Context) ([]string, error)
}

// Remediator executes and verifies actions. *executor.Executor implements
// it.
type Remediator interface {
	Key(actionName string, params map[string]any) (catalog.Action, string, error)
	Execute(ctx context.Context, incidentID, actionName string, params map[string]any) (incident.Outcome, error)
	Verify(ctx context.Context, incidentID, actionName string, params map[string]any) (incident.Outcome, error)
}

// Approvals is the approval gate. *approval.Gate implements it.
type Approvals interface {
	Request(ctx context.Context, inc *incident.Incident, d incident.Decision) (*incident.ApprovalRequest, error)
	Latest(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error)
	Withdraw(ctx context.Context, incidentID, actor string) error
	Recover(ctx context.Context) error
	OnResolution(h approval.Handler)
}

// Describer lists the catalogued actions for agent requests.
type Describer interface {
	Describe() []catalog.Descriptor
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSink sets the observability sink. The default discards events.
func WithSink(s sink.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithNotifier sets where escalations are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLeases sets the lease manager. The default is an in-process
// manager with a five minute TTL.
func WithLeases(m lease.Manager) Option {
	return func(e *Engine) { e.leases = m }
}

// WithJobs enables enrichment of agent requests with recent job runs.
func WithJobs(j catalog.JobController) Option {
	return func(e *Engine) { e.jobs = j }
}

// WithActions includes the action catalog in agent requests.
func WithActions(d Describer) Option {
	return func(e *Engine) { e.actions = d }
}

type work struct {
	id         string
	resolution *approval.Resolution
	failures   int
}

// Engine is safe for concurrent use.
type Engine struct {
	store      Store
	diagnoser  agent.Diagnoser
	remediator Remediator
	gate       Approvals
	cfg        Config
	threshold  float64
	window     int

	leases   lease.Manager
	jobs     catalog.JobController
	actions  Describer
	sink     sink.Sink
	notifier notify.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer

	queue    chan work
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New wires an engine and registers it for approval resolutions.
func New(st Store, diagnoser agent.Diagnoser, remediator Remediator, gate Approvals, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "engine: invalid configuration")
	}
	e := &Engine{
		store:      st,
		diagnoser:  diagnoser,
		remediator: remediator,
		gate:       gate,
		cfg:        cfg,
		threshold:  *cfg.ConfidenceThreshold,
		window:     defaultHistoryWindow,
		leases:     lease.NewLocal(5 * time.Minute),
		sink:       sink.Discard,
		notifier:   notify.NewLog(nil),
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		queue:      make(chan work, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if w, ok := diagnoser.(interface{ HistoryWindow() int }); ok {
		e.window = w.HistoryWindow()
	}
	gate.OnResolution(e.onResolution)
	return e, nil
}

// Run starts the workers, re-queues every non-terminal incident and
// re-arms pending approvals, then serves the queue until ctx ends. It
// returns the recovery error, if any, or nil after a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return sserr.New(sserr.CodeConflict, "engine: already running")
	}
	defer e.stopOnce.Do(func() { close(e.done) })

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.worker(gctx)
			return nil
		})
	}
	g.Go(func() error { return e.Recover(gctx) })
	e.logger.Info("engine: started", "workers", e.cfg.Workers, "max_attempts", e.cfg.MaxAttempts,
		"confidence_threshold", e.threshold)

	err := g.Wait()
	e.logger.Info("engine: stopped")
	return err
}

// Recover queues every non-terminal incident and re-arms approval timers.
func (e *Engine) Recover(ctx context.Context) error {
	var ids []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.gate.Recover(gctx) })
	g.Go(func() (err error) {
		ids, err = e.store.ListActive(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return sserr.Wrap(err, sserr.GetCode(err), "engine: recovery failed")
	}
	for _, id := range ids {
		if err := e.Submit(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		e.logger.Info("engine: recovered active incidents", "count", len(ids))
	}
	return nil
}

// Submit queues an incident for processing. It blocks while the queue is
// full.
func (e *Engine) Submit(ctx context.Context, id string) error {
	select {
	case e.queue <- work{id: id}:
		return nil
	case <-e.done:
		return sserr.New(sserr.CodeUnavailable, "engine: stopped")
	case <-ctx.Done():
		return sserr.FromContext(ctx.Err(), sserr.CodeTimeout, "engine: submit interrupted")
	}
}

// Handoff adapts Submit for intake.
func (e *Engine) Handoff(ctx context.Context, inc *incident.Incident) {
	if err := e.Submit(ctx, inc.ID); err != nil {
		e.logger.Warn("engine: failed to queue incident; it resumes on recovery", "incident_id", inc.ID, "error", err)
	}
}

// Cancel moves a non-terminal incident to ESCALATED with cause
// manual-override and withdraws any pending approval. An action already
// in flight is not interrupted; its outcome is recorded in the ledger and
// ignored. A terminal incident returns CodeIncidentTerminal.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (inc *incident.Incident, err error) {
	ctx, span := e.startSpan(ctx, "Cancel", id)
	defer func() { finishSpan(span, err) }()

	if reason == "" {
		reason = "cancelled by operator"
	}
	for i := 0; i < cancelRounds; i++ {
		inc, err = e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inc.IsTerminal() {
			return nil, sserr.Newf(sserr.CodeIncidentTerminal, "engine: incident %s is already %s", id, inc.Status)
		}
		err = e.commit(ctx, inc, incident.Transition{
			To:     incident.StatusEscalated,
			Cause:  incident.CauseManualOverride,
			Actor:  actor,
			Reason: reason,
		})
		if sserr.HasCode(err, sserr.CodeConflictVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if werr := e.gate.Withdraw(ctx, id, actor); werr != nil {
			e.logger.Warn("engine: failed to withdraw approval request", "incident_id", id, "error", werr)
		}
		return inc, nil
	}
	return nil, sserr.Newf(sserr.CodeConflict, "engine: incident %s kept changing during cancel", id)
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-e.queue:
			e.process(ctx, w)
		}
	}
}

func (e *Engine) enqueue(w work) {
	select {
	case e.queue <- w:
	case <-e.done:
	}
}

// later re-queues w after delay.
func (e *Engine) later(w work, delay time.Duration) {
	time.AfterFunc(delay, func() { e.enqueue(w) })
}

// process advances one incident, taking its lease for each step.
func (e *Engine) process(ctx context.Context, w work) {
	ctx, span := e.startSpan(ctx, "Process", w.id)
	defer span.End()

	err := e.drive(ctx, &w)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case ctx.Err() != nil:
		e.logger.Info("engine: step interrupted by shutdown; it resumes on recovery", "incident_id", w.id)
	case sserr.HasCode(err, sserr.CodeLeaseHeld):
		e.later(w, e.cfg.LeaseRetryDelay)
	case sserr.HasCode(err, sserr.CodeLeaseLost):
		span.RecordError(err)
		e.logger.Warn("engine: lease lost during step; stopping this pass", "incident_id", w.id, "error", err)
		e.later(w, e.cfg.LeaseRetryDelay)
	case sserr.IsInvariant(err):
		span.RecordError(err)
		e.fail(ctx, w.id, err)
	default:
		span.RecordError(err)
		e.retry(ctx, w, err)
	}
}

// retry re-queues w after a store or dependency failure, and fails the
// incident once the retries are used up.
func (e *Engine) retry(ctx context.Context, w work, cause error) {
	w.failures++
	if w.failures > e.cfg.StoreRetries {
		e.fail(ctx, w.id, sserr.Wrapf(cause, sserr.GetCode(cause), "engine: giving up after %d failed passes", w.failures))
		return
	}
	delay := e.cfg.StoreRetryDelay * time.Duration(w.failures)
	e.logger.Warn("engine: step failed, retrying", "incident_id", w.id, "failures", w.failures,
		"wait", delay, "error", cause)
	e.later(w, delay)
}

// drive runs leased steps until the incident is terminal or waiting.
// The lease is released after every step, so an incident is never held
// across a commit boundary.
func (e *Engine) drive(ctx context.Context, w *work) error {
	for {
		more, err := e.leasedStep(ctx, w)
		if err != nil || !more {
			return err
		}
	}
}

// leasedStep takes the lease, reloads the incident and runs one step while
// a heartbeat extends the lease. A failed extension cancels the step and
// is returned instead of the step's own error. A panic in the step is
// returned as an invariant violation.
func (e *Engine) leasedStep(ctx context.Context, w *work) (more bool, err error) {
	l, err := e.leases.TryAcquire(ctx, w.id)
	if err != nil {
		return false, err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("engine: failed to release lease", "incident_id", w.id, "error", rerr)
		}
	}()
	stepCtx, stop := e.heartbeat(ctx, l)
	defer func() {
		stop()
		if cause := context.Cause(stepCtx); err != nil && sserr.HasCode(cause, sserr.CodeLeaseLost) {
			more, err = false, cause
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			more, err = false, sserr.Invariantf("engine: panic while advancing %s: %v", w.id, r)
		}
	}()

	inc, err := e.store.Get(stepCtx, w.id)
	if sserr.HasCode(err, sserr.CodeNotFoundIncident) {
		e.logger.Warn("engine: queued incident does not exist", "incident_id", w.id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if inc.IsTerminal() {
		return false, nil
	}
	if w.resolution != nil && inc.Status != incident.StatusAwaitingApproval {
		e.logger.Debug("engine: dropping stale approval resolution", "incident_id", inc.ID, "status", inc.Status)
		w.resolution = nil
	}
	more, err = e.step(stepCtx, inc, w)
	if sserr.HasCode(err, sserr.CodeConflictVersionMismatch) {
		e.logger.Info("engine: incident changed concurrently; reloading", "incident_id", inc.ID)
		return true, nil
	}
	return more, err
}

// heartbeat extends l at a third of the lease TTL until stop is called.
// A failed extension cancels the returned context with a CodeLeaseLost
// cause.
func (e *Engine) heartbeat(ctx context.Context, l lease.Lease) (context.Context, func()) {
	stepCtx, cancel := context.WithCancelCause(ctx)
	every := e.leases.TTL() / 3
	if every <= 0 {
		return stepCtx, func() { cancel(nil) }
	}
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-stepCtx.Done():
				return
			case <-t.C:
				err := l.Extend(ctx)
				if err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if !sserr.HasCode(err, sserr.CodeLeaseLost) {
					err = sserr.Wrapf(err, sserr.CodeLeaseLost, "engine: could not extend lease on %s", l.Key())
				}
				e.logger.Warn("engine: lease renewal failed; abandoning step", "incident_id", l.Key(), "error", err)
				cancel(err)
				return
			}
		}
	}()
	return stepCtx, func() {
		close(quit)
		wg.Wait()
		cancel(nil)
	}
}

// commit applies t to inc and persists it against the version inc was
// loaded at.
func (e *Engine) commit(ctx context.Context, inc *incident.Incident, t incident.Transition) error {
	expected := inc.Version()
	applied, err := inc.Advance(t)
	if err != nil {
		return err
	}
	if err := e.store.Commit(ctx, inc, expected); err != nil {
		return err
	}
	e.committed(ctx, inc, applied)
	return nil
}

func (e *Engine) committed(ctx context.Context, inc *incident.Incident, t incident.Transition) {
	e.sink.Emit(sink.Event{
		Kind:       sink.KindTransition,
		IncidentID: inc.ID,
		SourceRef:  inc.SourceRef,
		At:         t.Timestamp,
		From:       t.From,
		To:         t.To,
		Cause:      t.Cause,
		Attempts:   inc.AttemptCount,
	})
	level := slog.LevelInfo
	if t.To == incident.StatusEscalated || t.To == incident.StatusFailed {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "engine: transition",
		"incident_id", inc.ID, "source_ref", inc.SourceRef, "from", t.From, "to", t.To,
		"cause", t.Cause, "attempt", inc.AttemptCount, "reason", t.Reason)
	if t.To == incident.StatusEscalated || t.To == incident.StatusFailed {
		e.announce(ctx, inc, t.Reason)
	}
}

// announce publishes an escalation notice. Delivery failures are logged.
func (e *Engine) announce(ctx context.Context, inc *incident.Incident, reason string) {
	n := notify.Notice{
		Kind:       notify.KindEscalation,
		IncidentID: inc.ID,
		SourceRef:  inc.SourceRef,
		Status:     inc.Status,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
	if inc.LastDecision != nil {
		n.Rationale = inc.LastDecision.Rationale
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		e.logger.Warn("engine: failed to deliver escalation", "incident_id", inc.ID, "error", err)
	}
}

// fail moves the incident to FAILED. A record that cannot be loaded is
// failed through the store without validation.
func (e *Engine) fail(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()
	e.logger.Error("engine: unrecoverable error", "incident_id", id, "error", cause)

	inc, err := e.store.Get(ctx, id)
	switch {
	case sserr.HasCode(err, sserr.CodeCorruptedRecord):
		e.forceFail(ctx, id, reason)
		return
	case err != nil:
		e.logger.Error("engine: cannot load incident to fail it", "incident_id", id, "error", err)
		return
	case inc.IsTerminal():
		return
	}
	err = e.commit(ctx, inc, incident.Transition{
		To:     incident.StatusFailed,
		Cause:  incident.CauseInternalError,
		Reason: reason,
	})
	if err != nil {
		e.logger.Error("engine: failed to commit FAILED; forcing", "incident_id", id, "error", err)
		e.forceFail(ctx, id, reason)
	}
}

func (e *Engine) forceFail(ctx context.Context, id, reason string) {
	if err := e.store.ForceFail(ctx, id, reason); err != nil {
		e.logger.Error("engine: force-fail failed", "incident_id", id, "error", err)
		return
	}
	e.sink.Emit(sink.Event{Kind: sink.KindTransition, IncidentID: id, To: incident.StatusFailed, Cause: incident.CauseInternalError})
	e.announce(ctx, &incident.Incident{ID: id, Status: incident.StatusFailed}, reason)
}

func (e *Engine) startSpan(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("incident.id", id)))
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

func describe(err error) string {
	if e, ok := sserr.AsError(err); ok {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return err.Error()
}
