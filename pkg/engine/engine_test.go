package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil"
	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/approval"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/config"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/executor"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/lease"
	"github.com/StricklySoft/selfheal/pkg/notify"
	"github.com/StricklySoft/selfheal/pkg/sink"
	"github.com/StricklySoft/selfheal/pkg/store/memory"
)

const (
	testKey  = "0123456789abcdef0123456789abcdef"
	testJob  = "sales-etl-03"
	waitTime = 5 * time.Second
)

type restartParams struct {
	JobName string `json:"job_name" validate:"required"`
	Reason  string `json:"reason"`
}

// fakeJob is the remediated system: runs and checks follow scripts and
// are counted.
type fakeJob struct {
	mu      sync.Mutex
	runErrs []error
	checks  []bool
	runs    atomic.Int32
	block   chan struct{}
	started chan struct{}
}

func (j *fakeJob) run(ctx context.Context, _ restartParams) error {
	n := int(j.runs.Add(1))
	if j.started != nil {
		j.started <- struct{}{}
	}
	if j.block != nil {
		<-j.block
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= len(j.runErrs) {
		return j.runErrs[n-1]
	}
	return nil
}

func (j *fakeJob) check(context.Context, restartParams) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.checks) == 0 {
		return true, nil
	}
	ok := j.checks[0]
	j.checks = j.checks[1:]
	return ok, nil
}

// scriptedAgent answers with the next decision; the last one repeats.
type scriptedAgent struct {
	mu        sync.Mutex
	decisions []*incident.Decision
	requests  []agent.Request
}

func (a *scriptedAgent) Decide(_ context.Context, req agent.Request) (*incident.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if len(a.decisions) == 0 {
		return nil, nil
	}
	d := a.decisions[0]
	if len(a.decisions) > 1 {
		a.decisions = a.decisions[1:]
	}
	if d == nil {
		return nil, nil
	}
	c := d.Clone()
	return &c, nil
}

func (a *scriptedAgent) calls() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Request(nil), a.requests...)
}

type notices struct {
	mu   sync.Mutex
	list []notify.Notice
}

func (n *notices) notify(_ context.Context, v notify.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, v)
	return nil
}

func (n *notices) of(kind notify.Kind) []notify.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Notice
	for _, v := range n.list {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func restart(confidence float64, reason string) *incident.Decision {
	return &incident.Decision{
		ActionName: catalog.ActionRestartJob,
		Parameters: map[string]any{"job_name": testJob, "reason": reason},
		Confidence: confidence,
		Rationale:  "executor lost during shuffle",
	}
}

// fakeSchema times out on its first hangs calls, then applies the patch.
type fakeSchema struct {
	hangs   int32
	calls   atomic.Int32
	applied atomic.Int32
}

func (s *fakeSchema) patch(ctx context.Context, _ patchParams) error {
	if s.calls.Add(1) <= s.hangs {
		<-ctx.Done()
		return ctx.Err()
	}
	s.applied.Add(1)
	return nil
}

func (s *fakeSchema) check(context.Context, patchParams) (bool, error) {
	return s.applied.Load() > 0, nil
}

type patchParams struct {
	Table  string `json:"table" validate:"required"`
	Column string `json:"column" validate:"required"`
	To     string `json:"to_type" validate:"required"`
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	job      *fakeJob
	schema   *fakeSchema
	agent    *scriptedAgent
	gate     *approval.Gate
	exec     *executor.Executor
	notices  *notices
	events   atomic.Int32
	engine   *Engine
	jobs     catalog.JobController
	leases   lease.Manager
	timeout  time.Duration
	cfg      Config
	stop     context.CancelFunc
	finished chan error
}

func newHarness(t *testing.T, decisions ...*incident.Decision) *harness {
	t.Helper()
	return &harness{
		t:       t,
		store:   memory.New(),
		job:     &fakeJob{},
		schema:  &fakeSchema{},
		agent:   &scriptedAgent{decisions: decisions},
		notices: &notices{},
		timeout: time.Hour,
		cfg: Config{
			ConfidenceThreshold: Threshold(0.8),
			MaxAttempts:         3,
			Workers:             4,
			QueueSize:           64,
			LeaseRetryDelay:     10 * time.Millisecond,
			StoreRetries:        2,
			StoreRetryDelay:     10 * time.Millisecond,
			RecentRuns:          3,
		},
	}
}

// build wires the engine without starting it.
func (h *harness) build() *Engine {
	h.t.Helper()
	if h.engine != nil {
		return h.engine
	}
	reg := catalog.NewRegistry()
	require.NoError(h.t, reg.Register(&catalog.Definition[restartParams]{
		ActionName: catalog.ActionRestartJob,
		Summary:    "restart the failed job",
		Limits:     catalog.Policy{Timeout: 2 * time.Second},
		Run:        h.job.run,
		Check:      h.job.check,
	}))
	require.NoError(h.t, reg.Register(&catalog.Definition[patchParams]{
		ActionName: catalog.ActionPatchSchemaMapping,
		Summary:    "change a column mapping",
		Limits:     catalog.Policy{Timeout: 50 * time.Millisecond, MaxRetries: 2},
		Run:        h.schema.patch,
		Check:      h.schema.check,
	}))
	h.exec = executor.New(reg, h.store, executor.Config{RetryInitialInterval: time.Millisecond})

	var err error
	h.gate, err = approval.New(h.store, approval.Config{
		Timeout:    h.timeout,
		SigningKey: config.Secret(testKey),
		Issuer:     "selfheal",
	}, approval.WithNotifier(notify.Func(h.notices.notify)))
	require.NoError(h.t, err)
	h.t.Cleanup(h.gate.Stop)

	gw := agent.NewGateway(h.agent, agent.Config{Timeout: time.Second, HistoryWindow: 5})
	opts := []Option{
		WithActions(reg),
		WithNotifier(notify.Func(h.notices.notify)),
		WithSink(sink.Func(func(e sink.Event) {
			if e.Kind == sink.KindTransition {
				h.events.Add(1)
			}
		})),
	}
	if h.jobs != nil {
		opts = append(opts, WithJobs(h.jobs))
	}
	if h.leases != nil {
		opts = append(opts, WithLeases(h.leases))
	}
	h.engine, err = New(h.store, gw, h.exec, h.gate, h.cfg, opts...)
	require.NoError(h.t, err)
	return h.engine
}

func (h *harness) start() {
	h.t.Helper()
	e := h.build()
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	h.finished = make(chan error, 1)
	go func() { h.finished <- e.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.finished:
		case <-time.After(waitTime):
			h.t.Error("engine did not stop")
		}
	})
}

// open persists a new incident without queueing it.
func (h *harness) open() *incident.Incident {
	h.t.Helper()
	inc := incident.New(incident.Event{
		SourceRef:  testJob,
		Kind:       incident.KindJobFailure,
		Detail:     map[string]any{"error": "ExecutorLostFailure"},
		OccurredAt: time.Now(),
	})
	require.NoError(h.t, h.store.Create(context.Background(), inc))
	return inc
}

func (h *harness) submit() string {
	h.t.Helper()
	inc := h.open()
	require.NoError(h.t, h.engine.Submit(context.Background(), inc.ID))
	return inc.ID
}

func (h *harness) get(id string) *incident.Incident {
	h.t.Helper()
	inc, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return inc
}

func (h *harness) waitFor(id string, status incident.Status) *incident.Incident {
	h.t.Helper()
	testutil.Eventually(h.t, waitTime, func() bool {
		inc, err := h.store.Get(context.Background(), id)
		return err == nil && inc.Status == status
	}, "incident did not reach "+string(status))
	return h.get(id)
}

func statuses(inc *incident.Incident) []incident.Status {
	out := []incident.Status{incident.StatusOpen}
	for _, t := range inc.History {
		out = append(out, t.To)
	}
	return out
}

// ===========================================================================
// Lifecycle Tests
// ===========================================================================

// TestEngine_HighConfidenceResolves verifies a confident decision is
// executed and verified without approval.
func TestEngine_HighConfidenceResolves(t *testing.T) {
	h := newHarness(t, restart(0.92, "transient"))
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusResolved)

	assert.Equal(t, []incident.Status{
		incident.StatusOpen, incident.StatusDiagnosing, incident.StatusRemediating,
		incident.StatusVerifying, incident.StatusResolved,
	}, statuses(inc))
	assert.Equal(t, 1, inc.AttemptCount)
	assert.Equal(t, int32(1), h.job.runs.Load())
	assert.Empty(t, h.notices.of(notify.KindApprovalRequest))
	assert.Empty(t, h.notices.of(notify.KindEscalation))
	testutil.Eventually(t, waitTime, func() bool { return h.events.Load() == 4 }, "transition events")
}

// TestEngine_ApprovalApproved verifies a low-confidence decision waits for
// a human and runs once approved.
func TestEngine_ApprovalApproved(t *testing.T) {
	h := newHarness(t, restart(0.4, "transient"))
	h.start()

	id := h.submit()
	h.waitFor(id, incident.StatusAwaitingApproval)
	assert.Equal(t, int32(0), h.job.runs.Load())

	var requests []notify.Notice
	testutil.Eventually(t, waitTime, func() bool {
		requests = h.notices.of(notify.KindApprovalRequest)
		return len(requests) == 1
	}, "approval request not announced")
	assert.Equal(t, id, requests[0].IncidentID)
	assert.NotEmpty(t, requests[0].Token)

	_, err := h.gate.Resolve(context.Background(), requests[0].Token, true, "alice")
	require.NoError(t, err)

	inc := h.waitFor(id, incident.StatusResolved)
	assert.Equal(t, []incident.Status{
		incident.StatusOpen, incident.StatusDiagnosing, incident.StatusAwaitingApproval,
		incident.StatusRemediating, incident.StatusVerifying, incident.StatusResolved,
	}, statuses(inc))
	assert.Equal(t, "alice", inc.History[2].Actor)
	assert.Equal(t, incident.CauseDecision, inc.History[2].Cause)
	assert.Equal(t, int32(1), h.job.runs.Load())
}

// TestEngine_ApprovalRejected verifies a rejection escalates without
// running anything.
func TestEngine_ApprovalRejected(t *testing.T) {
	h := newHarness(t, restart(0.4, "transient"))
	h.start()

	id := h.submit()
	h.waitFor(id, incident.StatusAwaitingApproval)
	var requests []notify.Notice
	testutil.Eventually(t, waitTime, func() bool {
		requests = h.notices.of(notify.KindApprovalRequest)
		return len(requests) == 1
	}, "approval request not announced")

	_, err := h.gate.Resolve(context.Background(), requests[0].Token, false, "bob")
	require.NoError(t, err)

	inc := h.waitFor(id, incident.StatusEscalated)
	last, _ := inc.LastTransition()
	assert.Equal(t, "bob", last.Actor)
	assert.Equal(t, int32(0), h.job.runs.Load())
}

// TestEngine_ApprovalTimeout verifies an unanswered request escalates with
// cause timeout.
func TestEngine_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, restart(0.4, "transient"))
	h.timeout = 30 * time.Millisecond
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusEscalated)

	last, _ := inc.LastTransition()
	assert.Equal(t, incident.CauseTimeout, last.Cause)
	assert.Equal(t, incident.StatusAwaitingApproval, last.From)
	assert.Equal(t, int32(0), h.job.runs.Load())
	testutil.Eventually(t, waitTime, func() bool {
		return len(h.notices.of(notify.KindEscalation)) == 1
	}, "escalation not announced")
}

// TestEngine_AmbiguousAttemptsResolve verifies an action that times out
// twice and then succeeds is applied once and resolves the incident.
func TestEngine_AmbiguousAttemptsResolve(t *testing.T) {
	h := newHarness(t, &incident.Decision{
		ActionName: catalog.ActionPatchSchemaMapping,
		Parameters: map[string]any{"table": "sales", "column": "amount", "to_type": "decimal(18,2)"},
		Confidence: 0.95,
	})
	h.schema.hangs = 2
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusResolved)

	assert.Equal(t, 1, inc.AttemptCount)
	assert.Equal(t, int32(3), h.schema.calls.Load())
	assert.Equal(t, int32(1), h.schema.applied.Load())

	entries, err := h.store.ListEntries(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, incident.LedgerSucceeded, entries[0].State)
	assert.Equal(t, 3, entries[0].Attempts)
}

// TestEngine_RetryThenResolve verifies a failed action sends the incident
// back to diagnosis and a second decision resolves it.
func TestEngine_RetryThenResolve(t *testing.T) {
	h := newHarness(t, restart(0.9, "first"), restart(0.9, "second"))
	h.job.runErrs = []error{errors.New("job rejected the restart")}
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusResolved)

	assert.Equal(t, 2, inc.AttemptCount)
	assert.Equal(t, int32(2), h.job.runs.Load())
	assert.Equal(t, []incident.Status{
		incident.StatusOpen, incident.StatusDiagnosing, incident.StatusRemediating,
		incident.StatusDiagnosing, incident.StatusRemediating, incident.StatusVerifying,
		incident.StatusResolved,
	}, statuses(inc))

	calls := h.agent.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].History, 1)
	require.NotNil(t, calls[1].History[0].Outcome)
	assert.False(t, calls[1].History[0].Outcome.Succeeded)
	assert.NotEmpty(t, calls[1].Actions)
}

// TestEngine_UnverifiedRetries verifies a failed post-condition counts as
// a failed attempt.
func TestEngine_UnverifiedRetries(t *testing.T) {
	h := newHarness(t, restart(0.9, "first"), restart(0.9, "second"))
	h.job.checks = []bool{false, true}
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusResolved)
	assert.Equal(t, 2, inc.AttemptCount)
}

// TestEngine_NoDecisionEscalates verifies an agent that proposes nothing
// escalates the incident.
func TestEngine_NoDecisionEscalates(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusEscalated)

	last, _ := inc.LastTransition()
	assert.Equal(t, incident.CauseDecision, last.Cause)
	assert.Equal(t, 0, inc.AttemptCount)
	testutil.Eventually(t, waitTime, func() bool {
		n := h.notices.of(notify.KindEscalation)
		return len(n) == 1 && n[0].Status == incident.StatusEscalated
	}, "escalation not announced")
}

// TestEngine_UnusableDecisionEscalates verifies unknown actions and
// invalid parameters escalate without executing.
func TestEngine_UnusableDecisionEscalates(t *testing.T) {
	tests := []struct {
		name     string
		decision *incident.Decision
	}{
		{"unknown action", &incident.Decision{ActionName: "drop-table", Confidence: 0.99}},
		{"invalid params", &incident.Decision{ActionName: catalog.ActionRestartJob, Parameters: map[string]any{}, Confidence: 0.99}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.decision)
			h.start()

			id := h.submit()
			inc := h.waitFor(id, incident.StatusEscalated)
			assert.Equal(t, 0, inc.AttemptCount)
			assert.Equal(t, int32(0), h.job.runs.Load())
		})
	}
}

// TestEngine_AttemptLimit verifies the incident escalates after
// MaxAttempts failed remediations and never exceeds the bound.
func TestEngine_AttemptLimit(t *testing.T) {
	h := newHarness(t, restart(0.9, "a"), restart(0.9, "b"), restart(0.9, "c"))
	h.cfg.MaxAttempts = 2
	h.job.runErrs = []error{errors.New("no"), errors.New("still no"), errors.New("never")}
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusEscalated)

	assert.Equal(t, 2, inc.AttemptCount)
	assert.Equal(t, int32(2), h.job.runs.Load())
	assert.Len(t, h.agent.calls(), 2)
}

// TestEngine_RepeatedDecisionReplaysFailure verifies the same action with
// the same parameters is not run twice within an incident.
func TestEngine_RepeatedDecisionReplaysFailure(t *testing.T) {
	h := newHarness(t, restart(0.9, "same"))
	h.cfg.MaxAttempts = 2
	h.job.runErrs = []error{errors.New("no")}
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusEscalated)

	assert.Equal(t, 2, inc.AttemptCount)
	assert.Equal(t, int32(1), h.job.runs.Load())
	last := inc.History[len(inc.History)-1]
	require.NotNil(t, last.Outcome)
	assert.True(t, last.Outcome.Replayed)
}

// TestEngine_EnrichesRequest verifies recent job runs are attached to the
// agent request.
func TestEngine_EnrichesRequest(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.jobs = recentRuns{{ID: "jr_1", JobName: testJob, State: catalog.RunFailed}}
	h.start()

	id := h.submit()
	h.waitFor(id, incident.StatusResolved)

	calls := h.agent.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ExecutorLostFailure", calls[0].ErrorDetail["error"])
	assert.Contains(t, calls[0].ErrorDetail, "recent_runs")
}

type recentRuns []catalog.JobRun

func (r recentRuns) StartJobRun(context.Context, string, map[string]string) (string, error) {
	return "jr_2", nil
}

func (r recentRuns) RecentRuns(context.Context, string, int) ([]catalog.JobRun, error) {
	return r, nil
}

// runLogs is a job controller that also keeps run logs.
type runLogs struct {
	recentRuns
	mu    sync.Mutex
	asked []string
}

func (r *runLogs) RunLogs(_ context.Context, job, runID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, fmt.Sprintf("%s/%s/%d", job, runID, limit))
	return []string{"ERROR ExecutorLostFailure on stage 3", "ERROR job aborted"}, nil
}

// TestEngine_AttachesRunLogs verifies the failed run's error log lines are
// attached as log_context, reading the run named by the event or else the
// newest run.
func TestEngine_AttachesRunLogs(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.cfg.LogLines = 20
	logs := &runLogs{recentRuns: recentRuns{{ID: "jr_1", JobName: testJob, State: catalog.RunFailed}}}
	h.jobs = logs
	h.start()

	first := h.submit()
	h.waitFor(first, incident.StatusResolved)

	named := incident.New(incident.Event{
		SourceRef:  testJob,
		Kind:       incident.KindJobFailure,
		Detail:     map[string]any{"error": "ExecutorLostFailure", "job_run_id": "jr_0"},
		OccurredAt: time.Now(),
	})
	require.NoError(t, h.store.Create(context.Background(), named))
	require.NoError(t, h.engine.Submit(context.Background(), named.ID))
	h.waitFor(named.ID, incident.StatusResolved)

	calls := h.agent.calls()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, "ERROR ExecutorLostFailure on stage 3\nERROR job aborted", c.ErrorDetail["log_context"])
	}
	logs.mu.Lock()
	defer logs.mu.Unlock()
	assert.Equal(t, []string{testJob + "/jr_1/20", testJob + "/jr_0/20"}, logs.asked)
}

// ===========================================================================
// Concurrency and Recovery Tests
// ===========================================================================

// TestEngine_ConcurrentSubmits verifies duplicate work for one incident
// executes the action once and keeps the history gap-free.
func TestEngine_ConcurrentSubmits(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.start()
	inc := h.open()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Submit(context.Background(), inc.ID))
		}()
	}
	wg.Wait()

	got := h.waitFor(inc.ID, incident.StatusResolved)
	assert.Equal(t, int32(1), h.job.runs.Load())
	for n, tr := range got.History {
		assert.Equal(t, n+1, tr.Seq)
	}
	require.NoError(t, got.Validate())
}

// TestEngine_RecoversActiveIncidents verifies Run resumes incidents left
// mid-flight by a previous process.
func TestEngine_RecoversActiveIncidents(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.build()
	inc := h.open()
	_, err := inc.Advance(incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent})
	require.NoError(t, err)
	require.NoError(t, h.store.Commit(context.Background(), inc, 0))

	h.start()
	h.waitFor(inc.ID, incident.StatusResolved)
}

// TestEngine_RestartDoesNotRerunAction verifies an action recorded as
// succeeded before a crash is not executed again.
func TestEngine_RestartDoesNotRerunAction(t *testing.T) {
	h := newHarness(t)
	h.build()
	ctx := context.Background()
	inc := h.open()
	d := restart(0.9, "transient")
	for _, tr := range []incident.Transition{
		{To: incident.StatusDiagnosing, Cause: incident.CauseEvent},
		{To: incident.StatusRemediating, Cause: incident.CauseDecision, Decision: d},
	} {
		v := inc.Version()
		_, err := inc.Advance(tr)
		require.NoError(t, err)
		require.NoError(t, h.store.Commit(ctx, inc, v))
	}
	out, err := h.exec.Execute(ctx, inc.ID, d.ActionName, d.Parameters)
	require.NoError(t, err)
	require.True(t, out.Succeeded)

	h.start()
	got := h.waitFor(inc.ID, incident.StatusResolved)
	assert.Equal(t, int32(1), h.job.runs.Load())
	assert.Equal(t, 1, got.AttemptCount)
	assert.True(t, got.History[2].Outcome.Replayed)
}

// TestEngine_RecoversMissingApprovalRequest verifies an incident stuck in
// AWAITING_APPROVAL without a request gets a new one.
func TestEngine_RecoversMissingApprovalRequest(t *testing.T) {
	h := newHarness(t)
	h.build()
	ctx := context.Background()
	inc := h.open()
	for _, tr := range []incident.Transition{
		{To: incident.StatusDiagnosing, Cause: incident.CauseEvent},
		{To: incident.StatusAwaitingApproval, Cause: incident.CauseDecision, Decision: restart(0.4, "x")},
	} {
		v := inc.Version()
		_, err := inc.Advance(tr)
		require.NoError(t, err)
		require.NoError(t, h.store.Commit(ctx, inc, v))
	}

	h.start()
	testutil.Eventually(t, waitTime, func() bool {
		return len(h.notices.of(notify.KindApprovalRequest)) == 1
	}, "approval request not re-issued")
	r, err := h.gate.Pending(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ActionRestartJob, r.Decision.ActionName)
}

// advance commits each transition to inc in order.
func (h *harness) advance(inc *incident.Incident, ts ...incident.Transition) {
	h.t.Helper()
	for _, tr := range ts {
		v := inc.Version()
		_, err := inc.Advance(tr)
		require.NoError(h.t, err)
		require.NoError(h.t, h.store.Commit(context.Background(), inc, v))
	}
}

// TestEngine_RecoversRecordedAnswer verifies an approval answer stored
// before a crash but never delivered is applied on restart instead of
// asking again.
func TestEngine_RecoversRecordedAnswer(t *testing.T) {
	tests := []struct {
		name  string
		state incident.ApprovalState
		actor string
		want  incident.Status
		cause incident.Cause
		runs  int32
	}{
		{"rejected", incident.ApprovalRejected, "bob", incident.StatusEscalated, incident.CauseDecision, 0},
		{"expired", incident.ApprovalExpired, approval.SystemActor, incident.StatusEscalated, incident.CauseTimeout, 0},
		{"approved", incident.ApprovalApproved, "alice", incident.StatusResolved, incident.CauseOutcome, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.build()
			ctx := context.Background()
			inc := h.open()
			d := restart(0.4, "transient")
			h.advance(inc,
				incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent},
				incident.Transition{To: incident.StatusAwaitingApproval, Cause: incident.CauseDecision, Decision: d},
			)
			r, err := h.gate.Request(ctx, inc, *d)
			require.NoError(t, err)
			require.NoError(t, h.store.ResolveApproval(ctx, r.ID, tt.state, tt.actor, time.Now().UTC()))

			h.start()
			got := h.waitFor(inc.ID, tt.want)
			last, _ := got.LastTransition()
			assert.Equal(t, tt.cause, last.Cause)
			assert.Equal(t, tt.actor, got.History[2].Actor)
			assert.Equal(t, tt.runs, h.job.runs.Load())
			assert.Len(t, h.notices.of(notify.KindApprovalRequest), 1, "answer must not be requested again")
		})
	}
}

// TestEngine_EarlierRoundAnswerNotReused verifies an approval given in an
// earlier AWAITING_APPROVAL round does not authorize the current one.
func TestEngine_EarlierRoundAnswerNotReused(t *testing.T) {
	h := newHarness(t)
	h.build()
	ctx := context.Background()
	inc := h.open()
	d := restart(0.4, "transient")
	h.advance(inc,
		incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent},
		incident.Transition{To: incident.StatusAwaitingApproval, Cause: incident.CauseDecision, Decision: d},
	)
	first, err := h.gate.Request(ctx, inc, *d)
	require.NoError(t, err)
	require.NoError(t, h.store.ResolveApproval(ctx, first.ID, incident.ApprovalApproved, "alice", time.Now().UTC()))

	time.Sleep(2 * time.Millisecond)
	h.advance(inc,
		incident.Transition{To: incident.StatusRemediating, Cause: incident.CauseDecision, Decision: d},
		incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseOutcome},
		incident.Transition{To: incident.StatusAwaitingApproval, Cause: incident.CauseDecision, Decision: d},
	)

	h.start()
	testutil.Eventually(t, waitTime, func() bool {
		return len(h.notices.of(notify.KindApprovalRequest)) == 2
	}, "current round not requested")
	r, err := h.gate.Pending(ctx, inc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, r.ID)
	assert.Equal(t, incident.StatusAwaitingApproval, h.get(inc.ID).Status)
	assert.Equal(t, int32(0), h.job.runs.Load())
}

// TestEngine_LeaseOutlivesSlowAction verifies a step running well past the
// lease TTL keeps its lease, so a duplicate submit neither reruns the
// action nor records a failure.
func TestEngine_LeaseOutlivesSlowAction(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.leases = lease.NewLocal(50 * time.Millisecond)
	h.job.block = make(chan struct{})
	h.job.started = make(chan struct{}, 1)
	h.start()

	id := h.submit()
	select {
	case <-h.job.started:
	case <-time.After(waitTime):
		t.Fatal("action did not start")
	}
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, h.engine.Submit(context.Background(), id))
	time.Sleep(50 * time.Millisecond)
	close(h.job.block)

	got := h.waitFor(id, incident.StatusResolved)
	assert.Equal(t, int32(1), h.job.runs.Load())
	assert.Equal(t, 1, got.AttemptCount)
	require.NoError(t, got.Validate())
}

// lostLeases hands out leases that can never be extended.
type lostLeases struct{ *lease.Local }

func (m lostLeases) TryAcquire(ctx context.Context, key string) (lease.Lease, error) {
	l, err := m.Local.TryAcquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return lostLease{l}, nil
}

type lostLease struct{ lease.Lease }

func (l lostLease) Extend(context.Context) error { return lease.Lost(l.Key()) }

// TestEngine_HeartbeatCancelsOnLostLease verifies a failed extension
// cancels the step with a CodeLeaseLost cause.
func TestEngine_HeartbeatCancelsOnLostLease(t *testing.T) {
	h := newHarness(t)
	h.leases = lostLeases{lease.NewLocal(30 * time.Millisecond)}
	e := h.build()
	ctx := context.Background()

	l, err := e.leases.TryAcquire(ctx, "inc-1")
	require.NoError(t, err)
	stepCtx, stop := e.heartbeat(ctx, l)
	defer stop()

	select {
	case <-stepCtx.Done():
	case <-time.After(waitTime):
		t.Fatal("step was not cancelled")
	}
	testutil.RequireErrorCode(t, context.Cause(stepCtx), sserr.CodeLeaseLost)
}

// ===========================================================================
// Cancel and Failure Tests
// ===========================================================================

// TestEngine_CancelDuringAction verifies a cancel wins over an in-flight
// action and the action's outcome is ignored.
func TestEngine_CancelDuringAction(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.job.block = make(chan struct{})
	h.job.started = make(chan struct{}, 1)
	h.start()

	id := h.submit()
	select {
	case <-h.job.started:
	case <-time.After(waitTime):
		t.Fatal("action did not start")
	}

	inc, err := h.engine.Cancel(context.Background(), id, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusEscalated, inc.Status)
	close(h.job.block)

	var entries []*incident.LedgerEntry
	testutil.Eventually(t, waitTime, func() bool {
		entries, err = h.store.ListEntries(context.Background(), id)
		return err == nil && len(entries) == 1 && entries[0].State == incident.LedgerSucceeded
	}, "ledger did not record the outcome")

	got := h.get(id)
	assert.Equal(t, incident.StatusEscalated, got.Status)
	last, _ := got.LastTransition()
	assert.Equal(t, incident.CauseManualOverride, last.Cause)
	assert.Equal(t, "carol", last.Actor)
}

// TestEngine_CancelWithdrawsApproval verifies cancelling an incident that
// awaits approval invalidates its token.
func TestEngine_CancelWithdrawsApproval(t *testing.T) {
	h := newHarness(t, restart(0.4, "transient"))
	h.start()

	id := h.submit()
	h.waitFor(id, incident.StatusAwaitingApproval)
	var requests []notify.Notice
	testutil.Eventually(t, waitTime, func() bool {
		requests = h.notices.of(notify.KindApprovalRequest)
		return len(requests) == 1
	}, "approval request not announced")

	_, err := h.engine.Cancel(context.Background(), id, "carol", "handled manually")
	require.NoError(t, err)

	_, err = h.gate.Resolve(context.Background(), requests[0].Token, true, "alice")
	testutil.AssertErrorCode(t, err, sserr.CodeApprovalNotPending)
	assert.Equal(t, incident.StatusEscalated, h.get(id).Status)
}

// TestEngine_CancelTerminal verifies terminal incidents cannot be
// cancelled.
func TestEngine_CancelTerminal(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.start()

	id := h.submit()
	h.waitFor(id, incident.StatusResolved)

	_, err := h.engine.Cancel(context.Background(), id, "carol", "")
	testutil.AssertErrorCode(t, err, sserr.CodeIncidentTerminal)

	_, err = h.engine.Cancel(context.Background(), "missing", "carol", "")
	assert.True(t, sserr.IsNotFound(err))
}

// TestEngine_CorruptRecordFails verifies an unreadable record is forced to
// FAILED and announced.
func TestEngine_CorruptRecordFails(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.build()
	inc := h.open()
	h.store.Corrupt(inc.ID, func(i *incident.Incident) { i.Status = incident.StatusVerifying })

	h.start()
	testutil.Eventually(t, waitTime, func() bool {
		n := h.notices.of(notify.KindEscalation)
		return len(n) > 0 && n[0].Status == incident.StatusFailed && n[0].IncidentID == inc.ID
	}, "failure not announced")
	assert.Equal(t, int32(0), h.job.runs.Load())
}

// TestEngine_PanicFails verifies a panic while advancing an incident moves
// it to FAILED instead of crashing the worker.
func TestEngine_PanicFails(t *testing.T) {
	h := newHarness(t, restart(0.9, "transient"))
	h.jobs = panickingJobs{}
	h.start()

	id := h.submit()
	inc := h.waitFor(id, incident.StatusFailed)
	last, _ := inc.LastTransition()
	assert.Equal(t, incident.CauseInternalError, last.Cause)
	assert.Contains(t, last.Reason, "panic")
}

type panickingJobs struct{}

func (panickingJobs) StartJobRun(context.Context, string, map[string]string) (string, error) {
	return "", nil
}

func (panickingJobs) RecentRuns(context.Context, string, int) ([]catalog.JobRun, error) {
	panic("boom")
}

// ===========================================================================
// Config Tests
// ===========================================================================

// TestConfig_Validate verifies T and MAX are required.
func TestConfig_Validate(t *testing.T) {
	valid := newHarness(t).cfg
	require.NoError(t, valid.Validate())

	noThreshold := valid
	noThreshold.ConfidenceThreshold = nil
	assert.Error(t, noThreshold.Validate())

	outOfRange := valid
	outOfRange.ConfidenceThreshold = Threshold(1.5)
	assert.Error(t, outOfRange.Validate())

	noAttempts := valid
	noAttempts.MaxAttempts = 0
	assert.Error(t, noAttempts.Validate())
}

// TestEngine_RunTwice verifies a second Run is refused.
func TestEngine_RunTwice(t *testing.T) {
	h := newHarness(t)
	h.start()
	testutil.Eventually(t, waitTime, func() bool { return h.engine.started.Load() }, "engine did not start")

	err := h.engine.Run(context.Background())
	testutil.AssertErrorCode(t, err, sserr.CodeConflict)
}
