package redis_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil/redismock"
	"github.com/StricklySoft/selfheal/pkg/clients/redis"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// ===========================================================================
// Command Tests
// ===========================================================================

// TestClient_Get_Missing verifies redis.Nil is reported as not found
// rather than as an error.
func TestClient_Get_Missing(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Get", mock.Anything, "selfheal:dedup:sales-etl-03").Return(redismock.String("", goredis.Nil))

	client := redis.NewFromClient(m, nil)
	val, found, err := client.Get(context.Background(), "selfheal:dedup:sales-etl-03")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, val)
	m.AssertExpectations(t)
}

// TestClient_Get_Found verifies the stored value is returned.
func TestClient_Get_Found(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Get", mock.Anything, "k").Return(redismock.String("inc-1", nil))

	val, found, err := redis.NewFromClient(m, nil).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "inc-1", val)
}

// TestClient_SetNX verifies the claim result is passed through.
func TestClient_SetNX(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("SetNX", mock.Anything, "k", "tok", 30*time.Second).Return(redismock.Bool(false, nil))

	ok, err := redis.NewFromClient(m, nil).SetNX(context.Background(), "k", "tok", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestClient_EvalInt verifies integer script replies.
func TestClient_EvalInt(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Eval", mock.Anything, "return 1", []string{"k"}, mock.Anything).Return(redismock.Eval(1, nil))

	n, err := redis.NewFromClient(m, nil).EvalInt(context.Background(), "one", "return 1", []string{"k"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// TestClient_Publish_Error verifies command errors are coded.
func TestClient_Publish_Error(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Publish", mock.Anything, "selfheal.escalations", mock.Anything).
		Return(redismock.Int(0, context.DeadlineExceeded))

	_, err := redis.NewFromClient(m, nil).Publish(context.Background(), "selfheal.escalations", "{}")
	assert.True(t, sserr.HasCode(err, sserr.CodeTimeoutDatabase), "got %v", err)
}

// TestClient_ErrorClassification verifies network failures are
// unavailable and other failures are internal.
func TestClient_ErrorClassification(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Del", mock.Anything, []string{"a"}).
		Return(redismock.Int(0, &net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	m.On("Del", mock.Anything, []string{"b"}).
		Return(redismock.Int(0, errors.New("WRONGTYPE")))

	client := redis.NewFromClient(m, nil)
	_, err := client.Del(context.Background(), "a")
	assert.True(t, sserr.IsUnavailable(err), "got %v", err)
	_, err = client.Del(context.Background(), "b")
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalDatabase), "got %v", err)
}

// TestClient_Health verifies ping failures are unavailable.
func TestClient_Health(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Ping", mock.Anything).Return(redismock.Status("", errors.New("down"))).Once()

	err := redis.NewFromClient(m, nil).Health(context.Background())
	assert.True(t, sserr.IsUnavailable(err))
}

// ===========================================================================
// Config Tests
// ===========================================================================

// TestConfig_Validate verifies defaults and bounds.
func TestConfig_Validate(t *testing.T) {
	cfg := redis.Config{Host: "cache"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, redis.DefaultPort, cfg.Port)
	assert.Equal(t, redis.DefaultPoolSize, cfg.PoolSize)
	assert.True(t, cfg.Configured())

	assert.Error(t, (&redis.Config{}).Validate())
	assert.Error(t, (&redis.Config{Host: "cache", DB: 16}).Validate())
	assert.NoError(t, (&redis.Config{URI: "redis://cache:6379/1"}).Validate())
}
