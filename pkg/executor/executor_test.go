package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/store/memory"
)

type jobParams struct {
	JobName string `json:"job_name" validate:"required"`
}

// scriptedAction runs the i-th step of script on the i-th call.
type scriptedAction struct {
	mu     sync.Mutex
	calls  int
	script []func(ctx context.Context) error
	checks atomic.Int32
	verify func() (bool, error)
}

func (s *scriptedAction) run(ctx context.Context, _ jobParams) error {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.script) {
		return nil
	}
	return s.script[i](ctx)
}

func (s *scriptedAction) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func newTestExecutor(t *testing.T, s *scriptedAction, opts ...Option) (*Executor, *memory.Store) {
	t.Helper()
	reg := catalog.NewRegistry()
	require.NoError(t, reg.Register(&catalog.Definition[jobParams]{
		ActionName: catalog.ActionRestartJob,
		Summary:    "restart",
		Limits:     catalog.Policy{Timeout: 30 * time.Millisecond, MaxRetries: 2},
		Run:        s.run,
		Check: func(context.Context, jobParams) (bool, error) {
			s.checks.Add(1)
			if s.verify != nil {
				return s.verify()
			}
			return true, nil
		},
	}))
	ledger := memory.New()
	cfg := Config{RetryInitialInterval: time.Millisecond, RetryMaxInterval: 5 * time.Millisecond}
	return New(reg, ledger, cfg, opts...), ledger
}

var params = map[string]any{"job_name": "sales-etl-03"}

// ===========================================================================
// Execute Tests
// ===========================================================================

// TestExecute_Success verifies a first-try success is recorded once.
func TestExecute_Success(t *testing.T) {
	action := &scriptedAction{script: []func(context.Context) error{ok}}
	var seen []Execution
	exec, ledger := newTestExecutor(t, action, WithObserver(func(e Execution) { seen = append(seen, e) }))

	out, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.False(t, out.Replayed)
	assert.Equal(t, 1, out.Attempts)
	assert.Nil(t, out.Error)
	assert.Contains(t, out.IdempotencyKey, catalog.ActionRestartJob+":")

	entries, err := ledger.ListEntries(context.Background(), "inc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, incident.LedgerSucceeded, entries[0].State)

	require.Len(t, seen, 1)
	assert.Equal(t, PhaseExecute, seen[0].Phase)
}

// TestExecute_ReplaysTerminalOutcome verifies the action runs once per
// incident and parameter set.
func TestExecute_ReplaysTerminalOutcome(t *testing.T) {
	action := &scriptedAction{script: []func(context.Context) error{ok}}
	exec, _ := newTestExecutor(t, action)
	ctx := context.Background()

	first, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	second, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, map[string]any{"job_name": "sales-etl-03"})
	require.NoError(t, err)

	assert.Equal(t, 1, action.callCount())
	assert.True(t, second.Replayed)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, first.Attempts, second.Attempts)

	_, err = exec.Execute(ctx, "inc-2", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.Equal(t, 2, action.callCount(), "the ledger is scoped per incident")
}

// TestExecute_TimeoutsThenSuccess verifies two timed-out attempts followed
// by a success leave one ledger entry with three attempts.
func TestExecute_TimeoutsThenSuccess(t *testing.T) {
	action := &scriptedAction{script: []func(context.Context) error{hang, hang, ok}}
	exec, ledger := newTestExecutor(t, action)

	out, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, action.callCount())

	entries, err := ledger.ListEntries(context.Background(), "inc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)
}

// TestExecute_TimeoutsExhausted verifies repeated timeouts fail with an
// ambiguous outcome after the retry budget.
func TestExecute_TimeoutsExhausted(t *testing.T) {
	action := &scriptedAction{script: []func(context.Context) error{hang, hang, hang, hang}}
	exec, _ := newTestExecutor(t, action)

	out, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, action.callCount())
	require.NotNil(t, out.Error)
	assert.Equal(t, sserr.CodeAmbiguousOutcome, out.Error.Code)
}

// TestExecute_RetryableThenSuccess verifies unavailable dependencies are
// retried.
func TestExecute_RetryableThenSuccess(t *testing.T) {
	unavailable := sserr.New(sserr.CodeUnavailableDependency, "glue throttled")
	action := &scriptedAction{script: []func(context.Context) error{fail(unavailable), ok}}
	exec, _ := newTestExecutor(t, action)

	out, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, out.Succeeded)
	assert.Equal(t, 2, out.Attempts)
}

// TestExecute_NonRetryableFailure verifies a definitive failure is
// recorded after one attempt.
func TestExecute_NonRetryableFailure(t *testing.T) {
	action := &scriptedAction{script: []func(context.Context) error{
		fail(sserr.New(sserr.CodeInternal, "job definition missing")),
	}}
	exec, ledger := newTestExecutor(t, action)

	out, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Equal(t, 1, out.Attempts)
	require.NotNil(t, out.Error)
	assert.Equal(t, sserr.CodeInternal, out.Error.Code)

	entries, _ := ledger.ListEntries(context.Background(), "inc-1")
	require.Len(t, entries, 1)
	assert.Equal(t, incident.LedgerFailed, entries[0].State)

	replay, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.False(t, replay.Succeeded)
	assert.Equal(t, 1, action.callCount())
}

// TestExecute_InvalidParameters verifies validation happens before any
// ledger write.
func TestExecute_InvalidParameters(t *testing.T) {
	action := &scriptedAction{}
	exec, ledger := newTestExecutor(t, action)

	_, err := exec.Execute(context.Background(), "inc-1", catalog.ActionRestartJob, map[string]any{"job": "x"})
	testutil.RequireErrorCode(t, err, sserr.CodeValidationParameters)

	_, err = exec.Execute(context.Background(), "inc-1", "drop-database", params)
	testutil.RequireErrorCode(t, err, sserr.CodeUnknownAction)

	entries, err := ledger.ListEntries(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, action.callCount())
}

// TestExecute_ResumesAfterCrash verifies an ambiguous entry left by a
// previous process consumes its recorded attempts.
func TestExecute_ResumesAfterCrash(t *testing.T) {
	action := &scriptedAction{script: []func(context.Context) error{hang, hang}}
	exec, ledger := newTestExecutor(t, action)
	ctx := context.Background()

	_, key, err := exec.Key(catalog.ActionRestartJob, params)
	require.NoError(t, err)
	require.NoError(t, ledger.PutEntry(ctx, &incident.LedgerEntry{
		IncidentID: "inc-1", Key: key, Action: catalog.ActionRestartJob, Parameters: params,
		State: incident.LedgerAmbiguous, Attempts: 2,
	}))

	out, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 1, action.callCount())
}

// TestExecute_BudgetSpent verifies an entry that already used every
// attempt is failed without calling the action.
func TestExecute_BudgetSpent(t *testing.T) {
	action := &scriptedAction{}
	exec, ledger := newTestExecutor(t, action)
	ctx := context.Background()

	_, key, err := exec.Key(catalog.ActionRestartJob, params)
	require.NoError(t, err)
	require.NoError(t, ledger.PutEntry(ctx, &incident.LedgerEntry{
		IncidentID: "inc-1", Key: key, Action: catalog.ActionRestartJob, Parameters: params,
		State: incident.LedgerPending, Attempts: 3,
	}))

	out, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.False(t, out.Succeeded)
	require.NotNil(t, out.Error)
	assert.Equal(t, sserr.CodeAmbiguousOutcome, out.Error.Code)
	assert.Zero(t, action.callCount())
}

// TestExecute_ContextCanceled verifies cancellation is returned as an
// error rather than recorded as an outcome.
func TestExecute_ContextCanceled(t *testing.T) {
	action := &scriptedAction{}
	exec, _ := newTestExecutor(t, action)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.Error(t, err)
}

// ===========================================================================
// Verify Tests
// ===========================================================================

// TestVerify_CachesPositiveResult verifies the check runs once.
func TestVerify_CachesPositiveResult(t *testing.T) {
	action := &scriptedAction{}
	exec, _ := newTestExecutor(t, action)
	ctx := context.Background()

	_, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)

	out, err := exec.Verify(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.False(t, out.Replayed)

	again, err := exec.Verify(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, again.Verified)
	assert.True(t, again.Replayed)
	assert.Equal(t, int32(1), action.checks.Load())
}

// TestVerify_NotObservable verifies a negative check is returned but not
// persisted.
func TestVerify_NotObservable(t *testing.T) {
	action := &scriptedAction{verify: func() (bool, error) { return false, nil }}
	exec, ledger := newTestExecutor(t, action)
	ctx := context.Background()

	first, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	out, err := exec.Verify(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.False(t, out.Verified)
	assert.Nil(t, out.Error)

	entry, err := ledger.GetEntry(ctx, "inc-1", first.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, entry.Outcome.Verified)
}

// TestVerify_WithoutExecution verifies verification requires a successful
// execution.
func TestVerify_WithoutExecution(t *testing.T) {
	exec, _ := newTestExecutor(t, &scriptedAction{})
	_, err := exec.Verify(context.Background(), "inc-1", catalog.ActionRestartJob, params)
	assert.True(t, sserr.IsInvariant(err), "got %v", err)
}

// TestVerify_WaitsForRunToFinish verifies a check reporting work still in
// progress is polled again until it settles.
func TestVerify_WaitsForRunToFinish(t *testing.T) {
	var polls atomic.Int32
	action := &scriptedAction{verify: func() (bool, error) {
		if polls.Add(1) <= 2 {
			return false, sserr.New(sserr.CodeUnavailableDependency, "run still RUNNING")
		}
		return true, nil
	}}
	exec, _ := newTestExecutor(t, action)
	ctx := context.Background()

	_, err := exec.Execute(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	out, err := exec.Verify(ctx, "inc-1", catalog.ActionRestartJob, params)
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, int32(3), action.checks.Load())
}
