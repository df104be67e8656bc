// Package approval suspends incidents whose remediation needs a human
// sign-off. A request is persisted with a signed token and a deadline; the
// approver answers with the token, or the deadline passes and the request
// expires. Either way the outcome is handed to the registered handler,
// which resumes the incident. No goroutine waits on an open request: a
// timer per request fires at its deadline, and Recover re-arms timers
// after a restart.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/selfheal/pkg/config"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/notify"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/approval"

// SystemActor resolves requests that expire.
const SystemActor = "system"

// Config configures the gate.
type Config struct {
	// Timeout is how long a request stays open.
	Timeout time.Duration `env:"TIMEOUT" required:"true" yaml:"timeout" validate:"gt=0"`

	SigningKey config.Secret `env:"SIGNING_KEY" required:"true" yaml:"signing_key"`
	Issuer     string        `env:"ISSUER" envDefault:"selfheal" yaml:"issuer"`
}

// Validate checks the signing key length.
func (c *Config) Validate() error {
	if len(c.SigningKey.Value()) < MinSigningKeyLen {
		return fmt.Errorf("approval: signing_key must be at least %d bytes", MinSigningKeyLen)
	}
	return nil
}

// Store persists approval requests. store.Approvals implements it.
type Store interface {
	CreateApproval(ctx context.Context, r *incident.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*incident.ApprovalRequest, error)
	PendingApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error)
	LatestApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, state incident.ApprovalState, actor string, at time.Time) error
	ListPendingApprovals(ctx context.Context) ([]*incident.ApprovalRequest, error)
}

// Resolution is a request's final answer.
type Resolution struct {
	RequestID  string
	IncidentID string
	State      incident.ApprovalState
	Actor      string
	Decision   incident.Decision
	At         time.Time
}

// Approved reports whether the remediation may proceed.
func (r Resolution) Approved() bool { return r.State == incident.ApprovalApproved }

// ResolutionOf rebuilds the resolution of an answered request. ok is
// false while r is still pending.
func ResolutionOf(r *incident.ApprovalRequest) (res Resolution, ok bool) {
	if r == nil || r.Pending() {
		return Resolution{}, false
	}
	res = Resolution{
		RequestID:  r.ID,
		IncidentID: r.IncidentID,
		State:      r.State,
		Actor:      r.Actor,
		Decision:   r.Decision.Clone(),
	}
	if r.ResolvedAt != nil {
		res.At = *r.ResolvedAt
	}
	return res, true
}

// Handler receives resolutions. It must not block.
type Handler func(Resolution)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithNotifier sets where approval requests are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// Gate is safe for concurrent use.
type Gate struct {
	store    Store
	tokens   *Tokens
	timeout  time.Duration
	notifier notify.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	handler Handler
	timers  map[string]*time.Timer
	stopped bool
}

// New returns a gate.
func New(store Store, cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "approval: invalid configuration")
	}
	tokens, err := NewTokens([]byte(cfg.SigningKey.Value()), cfg.Issuer)
	if err != nil {
		return nil, err
	}
	g := &Gate{
		store:    store,
		tokens:   tokens,
		timeout:  cfg.Timeout,
		notifier: notify.NewLog(nil),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// OnResolution registers the handler. Resolutions produced before a
// handler is set are logged and dropped.
func (g *Gate) OnResolution(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Request opens an approval round for inc with decision d and announces
// it. An incident with a request already pending gets CodeApprovalPending.
func (g *Gate) Request(ctx context.Context, inc *incident.Incident, d incident.Decision) (r *incident.ApprovalRequest, err error) {
	ctx, span := g.startSpan(ctx, "Request", inc.ID)
	defer func() { finishSpan(span, err) }()

	now := g.now()
	id := uuid.NewString()
	deadline := now.Add(g.timeout)
	token, err := g.tokens.Issue(inc.ID, id, deadline)
	if err != nil {
		return nil, err
	}
	r = &incident.ApprovalRequest{
		ID:          id,
		IncidentID:  inc.ID,
		Token:       token,
		Summary:     Summarize(inc, d),
		Decision:    d.Clone(),
		State:       incident.ApprovalPending,
		RequestedAt: now,
		Deadline:    deadline,
	}
	if err := g.store.CreateApproval(ctx, r); err != nil {
		return nil, err
	}
	g.arm(r.ID, deadline)

	if nerr := g.notifier.Notify(ctx, notify.Notice{
		Kind:       notify.KindApprovalRequest,
		IncidentID: inc.ID,
		SourceRef:  inc.SourceRef,
		Status:     incident.StatusAwaitingApproval,
		Rationale:  d.Rationale,
		Token:      token,
		Summary:    r.Summary,
		Deadline:   &deadline,
		OccurredAt: now,
	}); nerr != nil {
		g.logger.Warn("approval: failed to deliver request", "incident_id", inc.ID, "error", nerr)
	}
	g.logger.Info("approval: requested", "incident_id", inc.ID, "request_id", id,
		"action", d.ActionName, "confidence", d.Confidence, "deadline", deadline)
	return r, nil
}

// Summarize renders the one-line description sent to approvers.
func Summarize(inc *incident.Incident, d incident.Decision) string {
	s := fmt.Sprintf("%s on %s (confidence %.2f)", d.ActionName, inc.SourceRef, d.Confidence)
	if d.Rationale != "" {
		s += ": " + d.Rationale
	}
	return s
}

// Pending returns the incident's open request, or CodeNotFound.
func (g *Gate) Pending(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	return g.store.PendingApproval(ctx, incidentID)
}

// Latest returns the incident's most recent request in any state, or
// CodeNotFound when it never had one.
func (g *Gate) Latest(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	return g.store.LatestApproval(ctx, incidentID)
}

// Resolve answers the request identified by token. A token that is
// malformed, forged or for another request is CodeAuthenticationInvalid;
// a token past the deadline is CodeAuthenticationExpired; a request that
// was already answered is CodeApprovalNotPending.
func (g *Gate) Resolve(ctx context.Context, token string, approve bool, actor string) (r *incident.ApprovalRequest, err error) {
	claims, err := g.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	ctx, span := g.startSpan(ctx, "Resolve", claims.IncidentID)
	defer func() { finishSpan(span, err) }()

	r, err = g.store.GetApproval(ctx, claims.Subject)
	if sserr.IsNotFound(err) {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "approval: token names an unknown request")
	}
	if err != nil {
		return nil, err
	}
	if r.IncidentID != claims.IncidentID || r.Token != token {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "approval: token does not match the request")
	}
	return g.resolve(ctx, r, approve, actor)
}

// ResolveIncident answers the incident's pending request on behalf of an
// authenticated operator. An incident with nothing pending returns
// CodeApprovalNotPending.
func (g *Gate) ResolveIncident(ctx context.Context, incidentID string, approve bool, actor string) (r *incident.ApprovalRequest, err error) {
	ctx, span := g.startSpan(ctx, "ResolveIncident", incidentID)
	defer func() { finishSpan(span, err) }()

	r, err = g.store.PendingApproval(ctx, incidentID)
	if sserr.IsNotFound(err) {
		return nil, sserr.Newf(sserr.CodeApprovalNotPending, "approval: incident %s has no pending request", incidentID).
			WithDetail("incident_id", incidentID)
	}
	if err != nil {
		return nil, err
	}
	return g.resolve(ctx, r, approve, actor)
}

func (g *Gate) resolve(ctx context.Context, r *incident.ApprovalRequest, approve bool, actor string) (*incident.ApprovalRequest, error) {
	state := incident.ApprovalRejected
	if approve {
		state = incident.ApprovalApproved
	}
	at := g.now()
	if err := g.store.ResolveApproval(ctx, r.ID, state, actor, at); err != nil {
		return nil, err
	}
	g.disarm(r.ID)
	r.State, r.Actor, r.ResolvedAt = state, actor, &at

	g.logger.Info("approval: resolved", "incident_id", r.IncidentID, "request_id", r.ID,
		"state", state, "actor", actor)
	g.deliver(Resolution{RequestID: r.ID, IncidentID: r.IncidentID, State: state, Actor: actor, Decision: r.Decision, At: at})
	return r, nil
}

// Expire closes request id as expired and delivers the resolution. It is
// a no-op when the request was already answered.
func (g *Gate) Expire(ctx context.Context, id string) error {
	g.disarm(id)
	at := g.now()
	err := g.store.ResolveApproval(ctx, id, incident.ApprovalExpired, SystemActor, at)
	if sserr.HasCode(err, sserr.CodeApprovalNotPending) {
		return nil
	}
	if err != nil {
		return err
	}
	r, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	g.logger.Warn("approval: expired", "incident_id", r.IncidentID, "request_id", id)
	g.deliver(Resolution{RequestID: id, IncidentID: r.IncidentID, State: incident.ApprovalExpired,
		Actor: SystemActor, Decision: r.Decision, At: at})
	return nil
}

// Withdraw closes the incident's pending request, if any, without
// delivering a resolution. Operator cancellation uses it.
func (g *Gate) Withdraw(ctx context.Context, incidentID, actor string) error {
	r, err := g.store.PendingApproval(ctx, incidentID)
	if sserr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	g.disarm(r.ID)
	err = g.store.ResolveApproval(ctx, r.ID, incident.ApprovalRejected, actor, g.now())
	if sserr.HasCode(err, sserr.CodeApprovalNotPending) {
		return nil
	}
	return err
}

// Recover re-arms timers for every pending request. Requests whose
// deadline passed while the process was down expire immediately.
func (g *Gate) Recover(ctx context.Context) error {
	pending, err := g.store.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}
	for _, r := range pending {
		g.arm(r.ID, r.Deadline)
	}
	if len(pending) > 0 {
		g.logger.Info("approval: re-armed pending requests", "count", len(pending))
	}
	return nil
}

// Stop cancels all timers. Pending requests stay persisted.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *Gate) arm(id string, deadline time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	if t, ok := g.timers[id]; ok {
		t.Stop()
	}
	wait := deadline.Sub(g.now())
	if wait < 0 {
		wait = 0
	}
	g.timers[id] = time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.Expire(ctx, id); err != nil {
			g.logger.Error("approval: failed to expire request", "request_id", id, "error", err)
		}
	})
}

func (g *Gate) disarm(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *Gate) deliver(r Resolution) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		g.logger.Warn("approval: no handler for resolution", "incident_id", r.IncidentID, "state", r.State)
		return
	}
	h(r)
}

func (g *Gate) startSpan(ctx context.Context, op, incidentID string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "approval."+op, trace.WithAttributes(attribute.String("incident.id", incidentID)))
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
