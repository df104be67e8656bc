// Package redismock provides a testify mock of the redis client's Cmdable
// interface and helpers that build go-redis command results.
//
//	m := new(redismock.Cmdable)
//	m.On("SetNX", mock.Anything, "selfheal:lease:inc-1", mock.Anything, 30*time.Second).
//	    Return(redismock.Bool(true, nil))
//	client := redisclient.NewFromClient(m, nil)
package redismock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"

	redisclient "github.com/StricklySoft/selfheal/pkg/clients/redis"
)

var _ redisclient.Cmdable = (*Cmdable)(nil)

// Cmdable records calls through mock.Called.
type Cmdable struct {
	mock.Mock
}

func (m *Cmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return args.Get(0).(*redis.StringCmd)
}

func (m *Cmdable) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.BoolCmd)
}

func (m *Cmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func (m *Cmdable) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	ret := m.Called(ctx, script, keys, args)
	return ret.Get(0).(*redis.Cmd)
}

func (m *Cmdable) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	return args.Get(0).(*redis.IntCmd)
}

func (m *Cmdable) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *Cmdable) Close() error {
	return m.Called().Error(0)
}

// String builds a GET result. Pass redis.Nil as err for a missing key.
func String(val string, err error) *redis.StringCmd {
	cmd := redis.NewStringCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// Bool builds a SETNX result.
func Bool(val bool, err error) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// Int builds a DEL or PUBLISH result.
func Int(val int64, err error) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// Eval builds an EVAL result holding an integer reply.
func Eval(val int64, err error) *redis.Cmd {
	cmd := redis.NewCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// Status builds a PING result.
func Status(val string, err error) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}
