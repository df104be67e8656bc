package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/agent"

// Config bounds agent calls.
type Config struct {
	// Timeout bounds a single backend call. A timed-out call is never
	// retried because the agent may still be working on it.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s" yaml:"timeout" validate:"gt=0"`

	// MaxRetries bounds retries of calls that provably never reached the
	// agent.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"2" yaml:"max_retries" validate:"gte=0,lte=10"`

	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"250ms" yaml:"retry_interval" validate:"gte=0"`

	// HistoryWindow is how many past attempts are sent with a request.
	HistoryWindow int `env:"HISTORY_WINDOW" envDefault:"5" yaml:"history_window" validate:"gte=0"`
}

var decisionValidate = validator.New(validator.WithRequiredStructEnabled())

// Observer receives the latency of every Diagnose call.
type Observer func(latency time.Duration, ok bool)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithObserver registers a latency observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observe = o }
}

// Gateway is the bounded, validating wrapper around a Backend. It is safe
// for concurrent use if the backend is.
type Gateway struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	observe Observer
}

var _ Diagnoser = (*Gateway)(nil)

// NewGateway wraps backend.
func NewGateway(backend Backend, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		backend: backend,
		cfg:     cfg,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HistoryWindow returns the configured history window.
func (g *Gateway) HistoryWindow() int {
	return g.cfg.HistoryWindow
}

// Diagnose calls the backend and validates its answer. Timeouts, schema
// violations and exhausted retries yield a Diagnosis without a decision.
func (g *Gateway) Diagnose(ctx context.Context, req Request) Diagnosis {
	ctx, span := g.tracer.Start(ctx, "agent.Diagnose", trace.WithAttributes(
		attribute.String("incident.id", req.IncidentID),
		attribute.String("incident.source_ref", req.SourceRef),
	))
	start := time.Now()
	diag := g.diagnose(ctx, req)
	latency := time.Since(start)

	span.SetAttributes(attribute.Int("agent.attempts", diag.Attempts), attribute.Bool("agent.decided", diag.OK()))
	if diag.OK() {
		span.SetAttributes(
			attribute.String("agent.action", diag.Decision.ActionName),
			attribute.Float64("agent.confidence", diag.Decision.Confidence),
		)
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, diag.Reason)
	}
	span.End()

	if g.observe != nil {
		g.observe(latency, diag.OK())
	}
	g.logger.Debug("agent: diagnosis complete",
		"incident_id", req.IncidentID,
		"decided", diag.OK(),
		"reason", diag.Reason,
		"attempts", diag.Attempts,
		"latency", latency,
	)
	return diag
}

func (g *Gateway) diagnose(ctx context.Context, req Request) Diagnosis {
	attempts := 0
	op := func() (*incident.Decision, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		d, err := g.backend.Decide(callCtx, req)
		if err == nil {
			return d, nil
		}
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = sserr.Wrap(err, sserr.CodeTimeoutDependency, "agent: call timed out")
		}
		if sserr.IsUnavailable(err) && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(backoff.WithInitialInterval(g.cfg.RetryInterval)),
			uint64(g.cfg.MaxRetries),
		), ctx)

	d, err := backoff.RetryNotifyWithData(op, b, func(err error, wait time.Duration) {
		g.logger.Warn("agent: backend unavailable, retrying",
			"incident_id", req.IncidentID, "error", err, "wait", wait)
	})
	if err != nil {
		return Diagnosis{Reason: unknownReason(err), Attempts: attempts}
	}
	if d == nil {
		return Diagnosis{Reason: "agent returned no decision", Attempts: attempts}
	}

	decision := d.Clone()
	if decision.Parameters == nil {
		decision.Parameters = map[string]any{}
	}
	if err := decisionValidate.Struct(decision); err != nil {
		return Diagnosis{Reason: "malformed agent response: " + fieldSummary(err), Attempts: attempts}
	}
	return Diagnosis{Decision: &decision, Attempts: attempts}
}

func unknownReason(err error) string {
	switch {
	case sserr.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return "agent call timed out: " + err.Error()
	case sserr.IsUnavailable(err):
		return "agent unavailable: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "agent call canceled"
	default:
		return "agent call failed: " + err.Error()
	}
}

func fieldSummary(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return err.Error()
}
