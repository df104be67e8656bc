package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/lifecycle"

// StateChangeHandler is called on every transition, synchronously and
// under the service's lock. It must not call lifecycle methods. Panics
// are recovered and logged.
type StateChangeHandler func(old, new State)

// Hook runs during a transition, outside the lock. An error moves the
// service to Failed.
type Hook func(ctx context.Context) error

// Info is a snapshot of the daemon for the operator API.
type Info struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	State      State       `json:"state"`
	Components []Component `json:"components"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	Uptime     string      `json:"uptime,omitempty"`
}

// Service is the daemon's lifecycle. It is safe for concurrent use.
type Service struct {
	id         string
	name       string
	version    string
	components []Component

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger *slog.Logger

	onStart  Hook
	onStop   Hook
	onPause  Hook
	onResume Hook

	handlers []StateChangeHandler
}

func (s *Service) ID() string      { return s.id }
func (s *Service) Name() string    { return s.name }
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Accepting reports whether new failure events may be admitted.
func (s *Service) Accepting() bool {
	return s.State() == StateRunning
}

// Info returns a snapshot.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:         s.id,
		Name:       s.name,
		Version:    s.version,
		State:      s.state,
		Components: slices.Clone(s.components),
	}
	if s.startedAt != nil && s.state.Serving() {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t).Round(time.Second).String()
	}
	return info
}

// Health returns CodeUnavailable unless the service is running or paused
// and every component check passes.
func (s *Service) Health(ctx context.Context) error {
	if state := s.State(); !state.Serving() {
		return sserr.Newf(sserr.CodeUnavailable, "lifecycle: %s is %s", s.name, state)
	}
	var errs []error
	for _, c := range s.components {
		if c.Check == nil {
			continue
		}
		if err := c.Check(ctx); err != nil {
			errs = append(errs, sserr.Wrapf(err, sserr.CodeUnavailableDependency, "lifecycle: %s (%s) is unhealthy", c.Role, c.Backend))
		}
	}
	if len(errs) > 0 {
		return sserr.Wrap(errors.Join(errs...), sserr.CodeUnavailableDependency, "lifecycle: health check failed")
	}
	return nil
}

// SetState moves the service to next and notifies the handlers. An
// illegal transition returns CodeConflict.
func (s *Service) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict, "lifecycle: invalid state transition from %q to %q", old, next)
	}
	s.state = next
	switch next {
	case StateRunning:
		if s.startedAt == nil {
			now := time.Now().UTC()
			s.startedAt = &now
		}
	case StateStopped, StateFailed:
		s.startedAt = nil
	}

	for _, h := range s.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r, "old_state", string(old), "new_state", string(next))
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start runs the start hook between Starting and Running.
func (s *Service) Start(ctx context.Context) error {
	return s.run(ctx, "Start", StateStarting, s.onStart, StateRunning)
}

// Stop runs the stop hook between Stopping and Stopped. Stopping a
// stopped or failed service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	if s.State().IsTerminal() {
		return nil
	}
	return s.run(ctx, "Stop", StateStopping, s.onStop, StateStopped)
}

// Pause holds intake.
func (s *Service) Pause(ctx context.Context) error {
	return s.run(ctx, "Pause", StatePaused, s.onPause, "")
}

// Resume releases intake.
func (s *Service) Resume(ctx context.Context) error {
	return s.run(ctx, "Resume", StateRunning, s.onResume, "")
}

// Fail records an unrecoverable daemon error.
func (s *Service) Fail(cause error) {
	s.logger.Error("lifecycle: service failed", "service_id", s.id, "error", cause)
	_ = s.SetState(StateFailed)
}

// run enters first, runs hook, then enters final when it is set.
func (s *Service) run(ctx context.Context, op string, first State, hook Hook, final State) (err error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.id", s.id),
			attribute.String("service.name", s.name),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return sserr.FromContext(err, sserr.CodeTimeout, "lifecycle: "+op+" canceled before execution")
	}
	if err := s.SetState(first); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: hook failed", "op", op, "service_id", s.id, "error", err)
			_ = s.SetState(StateFailed)
			return sserr.Wrap(err, sserr.CodeInternal, "lifecycle: "+op+" hook failed")
		}
	}
	if final != "" {
		if err := s.SetState(final); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "lifecycle: state changed", "op", op, "service_id", s.id, "state", s.State())
	return nil
}

// Builder constructs a Service.
//
//	svc, err := lifecycle.NewBuilder(id, "selfheald", version).
//	    WithComponent(lifecycle.Component{Role: "store", Backend: "postgres", Check: db.Health}).
//	    WithOnStop(func(ctx context.Context) error { return db.Close() }).
//	    Build()
type Builder struct {
	id         string
	name       string
	version    string
	components []Component
	logger     *slog.Logger
	onStart    Hook
	onStop     Hook
	onPause    Hook
	onResume   Hook
	handlers   []StateChangeHandler
}

// NewBuilder starts a builder. All three fields are required.
func NewBuilder(id, name, version string) *Builder {
	return &Builder{id: id, name: name, version: version}
}

func (b *Builder) WithComponent(c Component) *Builder {
	b.components = append(b.components, c)
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithOnStart(h Hook) *Builder  { b.onStart = h; return b }
func (b *Builder) WithOnStop(h Hook) *Builder   { b.onStop = h; return b }
func (b *Builder) WithOnPause(h Hook) *Builder  { b.onPause = h; return b }
func (b *Builder) WithOnResume(h Hook) *Builder { b.onResume = h; return b }

// OnStateChange registers a handler. Handlers run in registration order.
func (b *Builder) OnStateChange(h StateChangeHandler) *Builder {
	b.handlers = append(b.handlers, h)
	return b
}

// Build validates the identity and components. The service starts in
// StateUnknown.
func (b *Builder) Build() (*Service, error) {
	switch {
	case b.id == "":
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service id must not be empty")
	case b.name == "":
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service name must not be empty")
	case b.version == "":
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service version must not be empty")
	}
	for _, c := range b.components {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		id:         b.id,
		name:       b.name,
		version:    b.version,
		components: slices.Clone(b.components),
		state:      StateUnknown,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		onStart:    b.onStart,
		onStop:     b.onStop,
		onPause:    b.onPause,
		onResume:   b.onResume,
		handlers:   slices.Clone(b.handlers),
	}, nil
}
