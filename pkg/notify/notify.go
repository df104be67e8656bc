// Package notify delivers outbound notices: approval requests to the
// humans who can answer them, and escalations of incidents the engine
// gave up on. Delivery is best-effort; callers log failures and move on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// Kind distinguishes notices.
type Kind string

const (
	KindApprovalRequest Kind = "approval-request"
	KindEscalation      Kind = "escalation"
)

// Notice is one outbound message.
type Notice struct {
	Kind       Kind            `json:"kind"`
	IncidentID string          `json:"incident_id"`
	SourceRef  string          `json:"source_ref"`
	Status     incident.Status `json:"status"`
	Reason     string          `json:"reason,omitempty"`

	// Rationale is the agent's explanation of the last decision, if any.
	Rationale string `json:"rationale,omitempty"`

	// Token, Summary and Deadline are set on approval requests.
	Token    string     `json:"token,omitempty"`
	Summary  string     `json:"summary,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Config selects delivery channels.
type Config struct {
	// Channel is the Redis pub/sub channel. Notices are only published
	// when a Redis client is configured.
	Channel string `env:"CHANNEL" envDefault:"selfheal.notices" yaml:"channel"`
}

// Log writes notices to a logger. Escalations are logged at warn level.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a log notifier. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Notify implements Notifier.
func (l *Log) Notify(ctx context.Context, n Notice) error {
	level := slog.LevelInfo
	if n.Kind == KindEscalation {
		level = slog.LevelWarn
	}
	attrs := []any{
		"kind", n.Kind, "incident_id", n.IncidentID, "source_ref", n.SourceRef,
		"status", n.Status, "reason", n.Reason,
	}
	if n.Rationale != "" {
		attrs = append(attrs, "rationale", n.Rationale)
	}
	if n.Kind == KindApprovalRequest {
		attrs = append(attrs, "summary", n.Summary, "token", n.Token)
		if n.Deadline != nil {
			attrs = append(attrs, "deadline", n.Deadline.Format(time.RFC3339))
		}
	}
	l.logger.Log(ctx, level, "notify: "+string(n.Kind), attrs...)
	return nil
}

// Publisher is the Redis command used by [Redis]. *redis.Client from
// pkg/clients/redis implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) (int64, error)
}

// Redis publishes notices as JSON on a pub/sub channel.
type Redis struct {
	pub     Publisher
	channel string
}

// NewRedis returns a Redis notifier.
func NewRedis(pub Publisher, cfg Config) *Redis {
	return &Redis{pub: pub, channel: cfg.Channel}
}

// Notify implements Notifier.
func (r *Redis) Notify(ctx context.Context, n Notice) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "notify: failed to encode notice")
	}
	_, err = r.pub.Publish(ctx, r.channel, raw)
	return err
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
