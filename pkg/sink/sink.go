// Package sink carries the engine's observability events: one per
// incident transition, one per action execution or verification and one
// per agent call.
//
// Emission never blocks and never fails. [Buffered] queues events in a
// bounded channel drained by a single goroutine that updates Prometheus
// metrics and writes a debug log line per event; when the buffer is full
// the event is dropped and counted.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/executor"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// Kind identifies what an Event describes.
type Kind string

const (
	KindTransition Kind = "transition"
	KindExecution  Kind = "execution"
	KindVerify     Kind = "verification"
	KindDiagnosis  Kind = "diagnosis"
)

// Event is one observability record. Fields that do not apply to the
// event's kind are zero.
type Event struct {
	Kind       Kind
	IncidentID string
	SourceRef  string
	At         time.Time

	// Transition.
	From  incident.Status
	To    incident.Status
	Cause incident.Cause

	// Execution and verification.
	Action    string
	Attempts  int
	Succeeded bool
	Verified  bool
	Replayed  bool
	ErrorCode string

	// Latency is the action or agent call duration.
	Latency time.Duration

	// Decided reports whether a diagnosis produced a decision.
	Decided bool
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// Func adapts a function to Sink.
type Func func(Event)

// Emit implements Sink.
func (f Func) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = Func(func(Event) {})

// ExecutionObserver forwards executor observations to s.
func ExecutionObserver(s Sink) func(executor.Execution) {
	return func(ex executor.Execution) {
		kind := KindExecution
		if ex.Phase == executor.PhaseVerify {
			kind = KindVerify
		}
		e := Event{
			Kind:       kind,
			IncidentID: ex.IncidentID,
			Action:     ex.Action,
			Attempts:   ex.Outcome.Attempts,
			Succeeded:  ex.Outcome.Succeeded,
			Verified:   ex.Outcome.Verified,
			Replayed:   ex.Outcome.Replayed,
			Latency:    ex.Outcome.Duration,
		}
		if ex.Outcome.Error != nil {
			e.ErrorCode = string(ex.Outcome.Error.Code)
		}
		s.Emit(e)
	}
}

// AgentObserver forwards agent call latencies to s.
func AgentObserver(s Sink) agent.Observer {
	return func(latency time.Duration, ok bool) {
		s.Emit(Event{Kind: KindDiagnosis, Latency: latency, Decided: ok})
	}
}

// Config configures the buffered sink.
type Config struct {
	BufferSize int `env:"BUFFER_SIZE" envDefault:"1024" yaml:"buffer_size" validate:"gt=0"`
}

// Metrics are the Prometheus series the sink maintains.
type Metrics struct {
	Transitions  *prometheus.CounterVec
	Executions   *prometheus.CounterVec
	ActionTime   *prometheus.HistogramVec
	Attempts     *prometheus.CounterVec
	AgentLatency *prometheus.HistogramVec
	Dropped      prometheus.Counter
}

// NewMetrics registers the sink's series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "incident",
			Name:      "transitions_total",
			Help:      "Incident state transitions",
		}, []string{"from", "to", "cause"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "action",
			Name:      "executions_total",
			Help:      "Action executions and verifications by result",
		}, []string{"action", "phase", "result"}),
		ActionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "selfheal",
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Action execution latency including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"action"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "remediation",
			Name:      "attempts_total",
			Help:      "Remediation attempts per job",
		}, []string{"source_ref"}),
		AgentLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "selfheal",
			Subsystem: "agent",
			Name:      "latency_seconds",
			Help:      "Reasoning agent call latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"decided"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "selfheal",
			Subsystem: "sink",
			Name:      "dropped_total",
			Help:      "Events dropped because the sink buffer was full",
		}),
	}
}

// Buffered is the production Sink.
type Buffered struct {
	events  chan Event
	metrics *Metrics
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ Sink = (*Buffered)(nil)

// NewBuffered returns a sink; call Run to start draining it.
func NewBuffered(cfg Config, metrics *Metrics, logger *slog.Logger) *Buffered {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	return &Buffered{
		events:  make(chan Event, size),
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Emit implements Sink.
func (b *Buffered) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case b.events <- e:
	default:
		b.metrics.Dropped.Inc()
	}
}

// Run drains events until ctx is done, then flushes what is queued.
func (b *Buffered) Run(ctx context.Context) error {
	defer close(b.done)
	for {
		select {
		case e := <-b.events:
			b.record(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.events:
					b.record(e)
				default:
					return nil
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (b *Buffered) Done() <-chan struct{} { return b.done }

func (b *Buffered) record(e Event) {
	m := b.metrics
	switch e.Kind {
	case KindTransition:
		m.Transitions.WithLabelValues(string(e.From), string(e.To), string(e.Cause)).Inc()
		if e.To == incident.StatusRemediating {
			m.Attempts.WithLabelValues(e.SourceRef).Inc()
		}
		b.logger.Debug("sink: transition",
			"incident_id", e.IncidentID, "from", e.From, "to", e.To, "cause", e.Cause)

	case KindExecution, KindVerify:
		phase := "execute"
		ok := e.Succeeded
		if e.Kind == KindVerify {
			phase, ok = "verify", e.Verified
		}
		m.Executions.WithLabelValues(e.Action, phase, result(ok, e.Replayed)).Inc()
		if e.Kind == KindExecution && !e.Replayed {
			m.ActionTime.WithLabelValues(e.Action).Observe(e.Latency.Seconds())
		}
		b.logger.Debug("sink: "+string(e.Kind),
			"incident_id", e.IncidentID, "action", e.Action, "attempts", e.Attempts,
			"succeeded", e.Succeeded, "verified", e.Verified, "replayed", e.Replayed,
			"error_code", e.ErrorCode, "latency", e.Latency)

	case KindDiagnosis:
		decided := "false"
		if e.Decided {
			decided = "true"
		}
		m.AgentLatency.WithLabelValues(decided).Observe(e.Latency.Seconds())
		b.logger.Debug("sink: diagnosis", "incident_id", e.IncidentID, "decided", e.Decided, "latency", e.Latency)
	}
}

func result(ok, replayed bool) string {
	switch {
	case replayed:
		return "replayed"
	case ok:
		return "success"
	}
	return "failure"
}
