// Package intake turns inbound failure signals into incidents.
//
// Normalize validates an Event, checks that its source is registered and
// that no active incident for the same source was opened within the dedup
// window, then persists a new OPEN incident. It creates exactly one
// incident or none. Concurrent duplicates race on an atomic claim keyed by
// source, so at most one of them wins.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/intake"

// Config configures intake.
type Config struct {
	// DedupWindow is how long an incident blocks new ones for its source
	// while it stays active.
	DedupWindow time.Duration `env:"DEDUP_WINDOW" envDefault:"15m" yaml:"dedup_window" validate:"gt=0"`

	// Sources lists the registered source refs. Entries may be path.Match
	// patterns such as "sales-etl-*".
	Sources []string `env:"SOURCES" yaml:"sources"`

	// KeyPrefix namespaces Redis dedup keys.
	KeyPrefix string `env:"DEDUP_KEY_PREFIX" envDefault:"selfheal:dedup:" yaml:"dedup_key_prefix"`
}

// Validate checks that every source pattern is well formed.
func (c *Config) Validate() error {
	for _, p := range c.Sources {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("intake: bad source pattern %q: %w", p, err)
		}
	}
	return nil
}

// Sources decides which source refs are recognized.
type Sources interface {
	Known(ctx context.Context, sourceRef string) (bool, error)
}

// Patterns recognizes source refs matching any of its path.Match
// patterns.
type Patterns []string

// Known implements Sources.
func (p Patterns) Known(_ context.Context, sourceRef string) (bool, error) {
	for _, pat := range p {
		if ok, _ := path.Match(pat, sourceRef); ok {
			return true, nil
		}
	}
	return false, nil
}

// Claims records which incident currently owns a source ref. Claims
// expire after the dedup window.
type Claims interface {
	// Claim records incidentID for sourceRef unless a live claim exists,
	// and returns the holder either way.
	Claim(ctx context.Context, sourceRef, incidentID string, ttl time.Duration) (holder string, err error)

	// Replace swaps the holder from oldID to newID, reporting false when
	// oldID no longer holds the claim.
	Replace(ctx context.Context, sourceRef, oldID, newID string, ttl time.Duration) (bool, error)

	// Release drops the claim if incidentID still holds it.
	Release(ctx context.Context, sourceRef, incidentID string) error
}

// Store is the part of the incident store intake writes to.
type Store interface {
	Create(ctx context.Context, inc *incident.Incident) error
	Get(ctx context.Context, id string) (*incident.Incident, error)
}

// Handoff receives each created incident.
type Handoff func(ctx context.Context, inc *incident.Incident)

// Option configures an Intake.
type Option func(*Intake)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(in *Intake) { in.logger = l }
}

// WithHandoff sets the receiver of new incidents.
func WithHandoff(h Handoff) Option {
	return func(in *Intake) { in.handoff = h }
}

// Intake is safe for concurrent use.
type Intake struct {
	store    Store
	sources  Sources
	claims   Claims
	window   time.Duration
	validate *validator.Validate
	handoff  Handoff
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New returns an intake writing to store.
func New(store Store, sources Sources, claims Claims, cfg Config, opts ...Option) *Intake {
	in := &Intake{
		store:    store,
		sources:  sources,
		claims:   claims,
		window:   cfg.DedupWindow,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Normalize validates ev and creates its incident. It returns
// CodeValidation for malformed events, CodeUnknownSource for unregistered
// sources and CodeDuplicateEvent, with the active incident's id in the
// "incident_id" detail, for duplicates.
func (in *Intake) Normalize(ctx context.Context, ev incident.Event) (inc *incident.Incident, err error) {
	ctx, span := in.tracer.Start(ctx, "intake.Normalize", trace.WithAttributes(
		attribute.String("incident.source_ref", ev.SourceRef),
		attribute.String("incident.kind", string(ev.Kind)),
	))
	defer func() { finishSpan(span, err) }()

	if err := in.validate.Struct(ev); err != nil {
		return nil, eventError(err)
	}
	known, err := in.sources.Known(ctx, ev.SourceRef)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, sserr.Newf(sserr.CodeUnknownSource, "intake: source %q is not registered", ev.SourceRef).
			WithDetail("source_ref", ev.SourceRef)
	}

	inc = incident.New(ev)
	if err := in.claim(ctx, ev.SourceRef, inc.ID); err != nil {
		return nil, err
	}
	if err := in.store.Create(ctx, inc); err != nil {
		if rerr := in.claims.Release(ctx, ev.SourceRef, inc.ID); rerr != nil {
			in.logger.Warn("intake: failed to release dedup claim", "source_ref", ev.SourceRef, "error", rerr)
		}
		return nil, err
	}
	in.logger.Info("intake: incident opened", "incident_id", inc.ID, "source_ref", inc.SourceRef, "kind", inc.Kind)
	return inc, nil
}

// Submit normalizes ev and hands the new incident off.
func (in *Intake) Submit(ctx context.Context, ev incident.Event) (*incident.Incident, error) {
	inc, err := in.Normalize(ctx, ev)
	if err != nil {
		return nil, err
	}
	if in.handoff != nil {
		in.handoff(ctx, inc)
	}
	return inc, nil
}

// claim takes the dedup claim for sourceRef. A claim held by an incident
// that has since terminated, or that was never persisted, is taken over.
func (in *Intake) claim(ctx context.Context, sourceRef, id string) error {
	holder, err := in.claims.Claim(ctx, sourceRef, id, in.window)
	if err != nil {
		return err
	}
	if holder == id {
		return nil
	}

	prev, err := in.store.Get(ctx, holder)
	switch {
	case err == nil && !prev.IsTerminal():
		return duplicate(sourceRef, holder)
	case err != nil && !sserr.IsNotFound(err):
		return err
	}

	ok, err := in.claims.Replace(ctx, sourceRef, holder, id, in.window)
	if err != nil {
		return err
	}
	if !ok {
		return duplicate(sourceRef, "")
	}
	return nil
}

func duplicate(sourceRef, holder string) error {
	e := sserr.Newf(sserr.CodeDuplicateEvent, "intake: an active incident already exists for %q", sourceRef).
		WithDetail("source_ref", sourceRef)
	if holder != "" {
		e = e.WithDetail("incident_id", holder)
	}
	return e
}

func eventError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return sserr.Newf(sserr.CodeValidation, "intake: event field %s failed %q", f.Field(), f.Tag()).
			WithDetail("field", f.Field())
	}
	return sserr.Wrap(err, sserr.CodeValidation, "intake: invalid event")
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
