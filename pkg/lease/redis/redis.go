// Package redis implements lease.Manager on Redis so several selfheal
// processes can share one incident store. A lease is a key set with
// SET NX PX holding the lease token; extend and release touch the key
// only while it still holds the caller's token.
package redis

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	redisclient "github.com/StricklySoft/selfheal/pkg/clients/redis"
	"github.com/StricklySoft/selfheal/pkg/lease"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/lease/redis"

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`

const extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Manager implements lease.Manager.
type Manager struct {
	client *redisclient.Client
	prefix string
	ttl    time.Duration
	tracer trace.Tracer
}

var _ lease.Manager = (*Manager)(nil)

// New returns a manager using client.
func New(client *redisclient.Client, cfg lease.Config) *Manager {
	return &Manager{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, tracer: otel.Tracer(tracerName)}
}

// TryAcquire implements lease.Manager.
func (m *Manager) TryAcquire(ctx context.Context, key string) (_ lease.Lease, err error) {
	ctx, span := m.tracer.Start(ctx, "lease.TryAcquire", trace.WithAttributes(attribute.String("lease.key", key)))
	defer func() { finishSpan(span, err) }()

	tok := lease.NewToken()
	ok, err := m.client.SetNX(ctx, m.prefix+key, tok, m.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lease.Held(key)
	}
	return &redisLease{owner: m, key: key, token: tok}, nil
}

// TTL implements lease.Manager.
func (m *Manager) TTL() time.Duration { return m.ttl }

type redisLease struct {
	owner *Manager
	key   string
	token string
}

func (l *redisLease) Key() string   { return l.key }
func (l *redisLease) Token() string { return l.token }

func (l *redisLease) Extend(ctx context.Context) (err error) {
	ctx, span := l.owner.tracer.Start(ctx, "lease.Extend", trace.WithAttributes(attribute.String("lease.key", l.key)))
	defer func() { finishSpan(span, err) }()
	n, err := l.owner.client.EvalInt(ctx, "lease-extend", extendScript, []string{l.owner.prefix + l.key},
		l.token, l.owner.ttl.Milliseconds())
	if err != nil {
		return err
	}
	if n != 1 {
		return lease.Lost(l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) (err error) {
	ctx, span := l.owner.tracer.Start(ctx, "lease.Release", trace.WithAttributes(attribute.String("lease.key", l.key)))
	defer func() { finishSpan(span, err) }()
	_, err = l.owner.client.EvalInt(ctx, "lease-release", releaseScript, []string{l.owner.prefix + l.key}, l.token)
	return err
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
