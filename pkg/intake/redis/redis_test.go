package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil/redismock"
	redisclient "github.com/StricklySoft/selfheal/pkg/clients/redis"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

const prefix = "selfheal:dedup:"

// ===========================================================================
// Claims Tests
// ===========================================================================

// TestClaims_Won verifies a free key is claimed for the caller.
func TestClaims_Won(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("SetNX", mock.Anything, prefix+"sales-etl-03", "inc-1", time.Minute).Return(redismock.Bool(true, nil))

	holder, err := New(redisclient.NewFromClient(m, nil), prefix).Claim(context.Background(), "sales-etl-03", "inc-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "inc-1", holder)
}

// TestClaims_Held verifies the current holder is returned when the key is
// taken.
func TestClaims_Held(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("SetNX", mock.Anything, prefix+"sales-etl-03", "inc-2", time.Minute).Return(redismock.Bool(false, nil))
	m.On("Get", mock.Anything, prefix+"sales-etl-03").Return(redismock.String("inc-1", nil))

	holder, err := New(redisclient.NewFromClient(m, nil), prefix).Claim(context.Background(), "sales-etl-03", "inc-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "inc-1", holder)
}

// TestClaims_KeepsExpiring verifies Claim gives up when the key vanishes
// between SETNX and GET on every round.
func TestClaims_KeepsExpiring(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(redismock.Bool(false, nil))
	m.On("Get", mock.Anything, mock.Anything).Return(redismock.String("", goredis.Nil))

	_, err := New(redisclient.NewFromClient(m, nil), prefix).Claim(context.Background(), "s", "inc", time.Minute)
	assert.True(t, sserr.IsConflict(err), "got %v", err)
	m.AssertNumberOfCalls(t, "SetNX", claimRounds)
}

// TestClaims_Replace verifies the compare-and-set script arguments.
func TestClaims_Replace(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Eval", mock.Anything, replaceScript, []string{prefix + "sales-etl-03"},
		[]interface{}{"inc-1", "inc-2", "60000"}).Return(redismock.Eval(0, nil))

	ok, err := New(redisclient.NewFromClient(m, nil), prefix).Replace(context.Background(), "sales-etl-03", "inc-1", "inc-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestClaims_ReleaseError verifies transport errors are coded.
func TestClaims_ReleaseError(t *testing.T) {
	m := new(redismock.Cmdable)
	m.On("Eval", mock.Anything, releaseScript, mock.Anything, mock.Anything).
		Return(redismock.Eval(0, context.DeadlineExceeded))

	err := New(redisclient.NewFromClient(m, nil), prefix).Release(context.Background(), "sales-etl-03", "inc-1")
	assert.True(t, sserr.IsTimeout(err), "got %v", err)
}
