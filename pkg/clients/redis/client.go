// Package redis is the Redis connection layer used for per-incident
// leases, intake deduplication claims and notification fan-out. It exposes
// the handful of commands those components need, each traced with an
// OpenTelemetry span and returning coded errors.
//
// Tests inject a mock [Cmdable] through [NewFromClient].
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const tracerName = "github.com/StricklySoft/selfheal/pkg/clients/redis"

// Cmdable is the subset of the go-redis command set used by selfheal.
// *redis.Client satisfies it.
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Cmdable = (*redis.Client)(nil)

// Client is a traced Redis client. It is safe for concurrent use.
type Client struct {
	cmdable Cmdable
	tracer  trace.Tracer
	dbIndex int
}

// NewClient validates cfg, connects and pings the server.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: invalid configuration")
	}

	var opts *redis.Options
	if cfg.URI != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URI); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: failed to parse connection URI")
		}
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password.Value(),
			DB:       cfg.DB,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: failed to connect to server")
	}
	return &Client{cmdable: rdb, tracer: otel.Tracer(tracerName), dbIndex: opts.DB}, nil
}

// NewFromClient wraps an existing Cmdable. cfg may be nil.
func NewFromClient(cmdable Cmdable, cfg *Config) *Client {
	db := 0
	if cfg != nil {
		db = cfg.DB
	}
	return &Client{cmdable: cmdable, tracer: otel.Tracer(tracerName), dbIndex: db}
}

// Get returns the value at key. found is false when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, span := c.startSpan(ctx, "Get", "GET "+key)
	value, err = c.cmdable.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		finishSpan(span, nil)
		return "", false, nil
	}
	finishSpan(span, err)
	if err != nil {
		return "", false, wrapError(err, "redis: get failed")
	}
	return value, true, nil
}

// SetNX sets key to value with a TTL only if key is absent, and reports
// whether it did.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	ctx, span := c.startSpan(ctx, "SetNX", "SET "+key+" NX PX")
	ok, err := c.cmdable.SetNX(ctx, key, value, ttl).Result()
	finishSpan(span, err)
	if err != nil {
		return false, wrapError(err, "redis: setnx failed")
	}
	return ok, nil
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	ctx, span := c.startSpan(ctx, "Del", "DEL")
	n, err := c.cmdable.Del(ctx, keys...).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: del failed")
	}
	return n, nil
}

// EvalInt runs a Lua script whose result is an integer.
func (c *Client) EvalInt(ctx context.Context, name, script string, keys []string, args ...interface{}) (int64, error) {
	ctx, span := c.startSpan(ctx, "Eval", "EVAL "+name)
	n, err := c.cmdable.Eval(ctx, script, keys, args...).Int64()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: eval "+name+" failed")
	}
	return n, nil
}

// Publish sends message on channel and returns the receiver count.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	ctx, span := c.startSpan(ctx, "Publish", "PUBLISH "+channel)
	n, err := c.cmdable.Publish(ctx, channel, message).Result()
	finishSpan(span, err)
	if err != nil {
		return 0, wrapError(err, "redis: publish failed")
	}
	return n, nil
}

// Health pings the server, applying DefaultHealthTimeout when ctx has no
// deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "PING")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	err := c.cmdable.Ping(ctx).Err()
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "redis: health check failed")
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.cmdable.Close()
}

func (c *Client) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "redis."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", c.dbIndex),
		attribute.String("db.statement", truncateStatement(statement)),
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

// wrapError maps a deadline to CodeTimeoutDatabase and network failures
// to CodeUnavailableDependency. Cancellation is not retryable and maps to
// CodeInternalDatabase with everything else.
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
		}
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
