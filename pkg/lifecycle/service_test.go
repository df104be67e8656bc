package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

func newService(t *testing.T, b *Builder) *Service {
	t.Helper()
	svc, err := b.Build()
	require.NoError(t, err)
	return svc
}

// ===========================================================================
// Builder Tests
// ===========================================================================

// TestBuilder_Validation verifies identity and components are checked.
func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"no id", NewBuilder("", "selfheald", "1.0.0")},
		{"no name", NewBuilder("node-1", "", "1.0.0")},
		{"no version", NewBuilder("node-1", "selfheald", "")},
		{"component without backend", NewBuilder("node-1", "selfheald", "1.0.0").WithComponent(Component{Role: "store"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			testutil.AssertErrorCode(t, err, sserr.CodeValidation)
		})
	}
}

// ===========================================================================
// Service Tests
// ===========================================================================

// TestService_StartPauseStop verifies the normal flow, hook order and
// intake gating.
func TestService_StartPauseStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
		seen  []State
	)
	record := func(name string) Hook {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return nil
		}
	}
	svc := newService(t, NewBuilder("node-1", "selfheald", "1.0.0").
		WithComponent(Component{Role: "store", Backend: "memory"}).
		WithOnStart(record("start")).
		WithOnPause(record("pause")).
		WithOnResume(record("resume")).
		WithOnStop(record("stop")).
		OnStateChange(func(_, next State) { seen = append(seen, next) }))

	ctx := context.Background()
	assert.False(t, svc.Accepting())
	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Accepting())
	assert.NotNil(t, svc.Info().StartedAt)

	require.NoError(t, svc.Pause(ctx))
	assert.False(t, svc.Accepting())
	require.NoError(t, svc.Health(ctx), "paused daemon still serves")

	require.NoError(t, svc.Resume(ctx))
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx), "second stop is a no-op")

	assert.Equal(t, []string{"start", "pause", "resume", "stop"}, calls)
	assert.Equal(t, []State{StateStarting, StateRunning, StatePaused, StateRunning, StateStopping, StateStopped}, seen)
	assert.Nil(t, svc.Info().StartedAt)
}

// TestService_HookFailure verifies a failing hook moves the service to
// Failed.
func TestService_HookFailure(t *testing.T) {
	svc := newService(t, NewBuilder("node-1", "selfheald", "1.0.0").
		WithOnStart(func(context.Context) error { return errors.New("store unreachable") }))

	err := svc.Start(context.Background())
	testutil.AssertErrorCode(t, err, sserr.CodeInternal)
	assert.Equal(t, StateFailed, svc.State())

	require.NoError(t, svc.SetState(StateStarting), "failed service may restart")
}

// TestService_InvalidTransition verifies pausing before start is refused.
func TestService_InvalidTransition(t *testing.T) {
	svc := newService(t, NewBuilder("node-1", "selfheald", "1.0.0"))
	err := svc.Pause(context.Background())
	testutil.AssertErrorCode(t, err, sserr.CodeConflict)
}

// TestService_CanceledContext verifies a canceled start leaves the state
// untouched.
func TestService_CanceledContext(t *testing.T) {
	svc := newService(t, NewBuilder("node-1", "selfheald", "1.0.0"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, StateUnknown, svc.State())
}

// TestService_Health verifies component checks are run and reported.
func TestService_Health(t *testing.T) {
	healthy := true
	svc := newService(t, NewBuilder("node-1", "selfheald", "1.0.0").
		WithComponent(Component{Role: "store", Backend: "postgres", Check: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		}}).
		WithComponent(Component{Role: "agent", Backend: "openai"}))

	ctx := context.Background()
	assert.True(t, sserr.IsUnavailable(svc.Health(ctx)), "not started")

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Health(ctx))

	healthy = false
	err := svc.Health(ctx)
	testutil.AssertErrorCode(t, err, sserr.CodeUnavailableDependency)
	assert.Contains(t, err.Error(), "store (postgres)")

	info := svc.Info()
	assert.Len(t, info.Components, 2)
	assert.Equal(t, StateRunning, info.State)
}

// TestService_HandlerPanic verifies a panicking handler does not block the
// transition.
func TestService_HandlerPanic(t *testing.T) {
	svc := newService(t, NewBuilder("node-1", "selfheald", "1.0.0").
		OnStateChange(func(State, State) { panic("boom") }))
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
}
