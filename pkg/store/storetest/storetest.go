// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/store"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CommitVersion", func(t *testing.T) { testCommitVersion(t, newStore(t)) })
	t.Run("ConcurrentCommit", func(t *testing.T) { testConcurrentCommit(t, newStore(t)) })
	t.Run("ForceFail", func(t *testing.T) { testForceFail(t, newStore(t)) })
	t.Run("ListActiveAndFilter", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Approvals", func(t *testing.T) { testApprovals(t, newStore(t)) })
}

// NewIncident returns an OPEN incident for source.
func NewIncident(source string) *incident.Incident {
	return incident.New(incident.Event{
		SourceRef:  source,
		Kind:       incident.KindJobFailure,
		Detail:     map[string]any{"error": "column amount: cannot cast string to double"},
		OccurredAt: time.Now().UTC(),
	})
}

func advance(t *testing.T, inc *incident.Incident, to incident.Status, cause incident.Cause) {
	t.Helper()
	_, err := inc.Advance(incident.Transition{To: to, Cause: cause})
	require.NoError(t, err)
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	inc := NewIncident("sales-etl-03")
	require.NoError(t, s.Create(ctx, inc))

	err := s.Create(ctx, inc)
	assert.True(t, sserr.HasCode(err, sserr.CodeConflictAlreadyExists), "got %v", err)

	got, err := s.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, incident.StatusOpen, got.Status)
	assert.Equal(t, "sales-etl-03", got.SourceRef)
	assert.Equal(t, inc.Detail["error"], got.Detail["error"])

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, sserr.HasCode(err, sserr.CodeNotFoundIncident), "got %v", err)
}

func testCommitVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	inc := NewIncident("sales-etl-03")
	require.NoError(t, s.Create(ctx, inc))

	stale := inc.Clone()

	advance(t, inc, incident.StatusDiagnosing, incident.CauseEvent)
	decision := &incident.Decision{ActionName: "restart-job", Parameters: map[string]any{"job_name": "sales-etl-03"}, Confidence: 0.92}
	_, err := inc.Advance(incident.Transition{To: incident.StatusRemediating, Cause: incident.CauseDecision, Decision: decision})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, inc, 0))

	advance(t, stale, incident.StatusEscalated, incident.CauseManualOverride)
	err = s.Commit(ctx, stale, 0)
	assert.True(t, sserr.HasCode(err, sserr.CodeConflictVersionMismatch), "got %v", err)

	got, err := s.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusRemediating, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.Len(t, got.History, 2)
	assert.Equal(t, 2, got.History[1].Seq)
	assert.Equal(t, incident.StatusDiagnosing, got.History[1].From)
	require.NotNil(t, got.LastDecision)
	assert.Equal(t, "restart-job", got.LastDecision.ActionName)
	require.NotNil(t, got.History[1].Decision)
	assert.InDelta(t, 0.92, got.History[1].Decision.Confidence, 1e-9)
}

// testConcurrentCommit races writers holding the same version; exactly one
// wins and history stays ordered.
func testConcurrentCommit(t *testing.T, s store.Store) {
	ctx := context.Background()
	inc := NewIncident("sales-etl-03")
	require.NoError(t, s.Create(ctx, inc))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for n := 0; n < writers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := inc.Clone()
			if _, err := c.Advance(incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent}); err != nil {
				return
			}
			if err := s.Commit(ctx, c, 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	assert.Equal(t, 1, got.History[0].Seq)
}

func testForceFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	inc := NewIncident("sales-etl-03")
	require.NoError(t, s.Create(ctx, inc))
	advance(t, inc, incident.StatusDiagnosing, incident.CauseEvent)
	require.NoError(t, s.Commit(ctx, inc, 0))

	require.NoError(t, s.ForceFail(ctx, inc.ID, "record unreadable"))
	got, err := s.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusFailed, got.Status)
	last, _ := got.LastTransition()
	assert.Equal(t, incident.CauseInternalError, last.Cause)
	assert.Equal(t, 2, last.Seq)

	require.NoError(t, s.ForceFail(ctx, inc.ID, "again"))
	got, err = s.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	open := NewIncident("sales-etl-03")
	done := NewIncident("orders-etl")
	done.CreatedAt = open.CreatedAt.Add(time.Second)
	require.NoError(t, s.Create(ctx, open))
	require.NoError(t, s.Create(ctx, done))
	advance(t, done, incident.StatusEscalated, incident.CauseManualOverride)
	require.NoError(t, s.Commit(ctx, done, 0))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{open.ID}, active)

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, done.ID, all[0].ID, "newest first")

	escalated, err := s.List(ctx, store.Filter{Statuses: []incident.Status{incident.StatusEscalated}})
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, done.ID, escalated[0].ID)

	bySource, err := s.List(ctx, store.Filter{SourceRef: "sales-etl-03", Limit: 1})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, open.ID, bySource[0].ID)
}

func testLedger(t *testing.T, s store.Store) {
	ctx := context.Background()
	inc := NewIncident("sales-etl-03")
	require.NoError(t, s.Create(ctx, inc))

	_, err := s.GetEntry(ctx, inc.ID, "restart-job:abc")
	assert.True(t, sserr.IsNotFound(err), "got %v", err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	e := &incident.LedgerEntry{
		IncidentID: inc.ID, Key: "restart-job:abc", Action: "restart-job",
		Parameters: map[string]any{"job_name": "sales-etl-03"},
		State:      incident.LedgerPending, Attempts: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.PutEntry(ctx, e))

	e.State = incident.LedgerSucceeded
	e.Outcome = incident.Outcome{Succeeded: true, IdempotencyKey: e.Key, Attempts: 1}
	require.NoError(t, s.PutEntry(ctx, e))

	overwrite := e.Clone()
	overwrite.State = incident.LedgerPending
	overwrite.Attempts = 2
	err = s.PutEntry(ctx, overwrite)
	assert.True(t, sserr.IsConflict(err), "got %v", err)

	verified := e.Clone()
	verified.Outcome.Verified = true
	require.NoError(t, s.PutEntry(ctx, verified))

	got, err := s.GetEntry(ctx, inc.ID, e.Key)
	require.NoError(t, err)
	assert.Equal(t, incident.LedgerSucceeded, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.Outcome.Verified)
	assert.Equal(t, "sales-etl-03", got.Parameters["job_name"])

	entries, err := s.ListEntries(ctx, inc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testApprovals(t *testing.T, s store.Store) {
	ctx := context.Background()
	inc := NewIncident("sales-etl-03")
	require.NoError(t, s.Create(ctx, inc))

	now := time.Now().UTC().Truncate(time.Millisecond)
	r := &incident.ApprovalRequest{
		ID: "apr-1", IncidentID: inc.ID, Token: "tok", Summary: "restart sales-etl-03?",
		Decision: incident.Decision{ActionName: "restart-job", Parameters: map[string]any{"job_name": "sales-etl-03"}, Confidence: 0.4},
		State:    incident.ApprovalPending, RequestedAt: now, Deadline: now.Add(time.Hour),
	}
	require.NoError(t, s.CreateApproval(ctx, r))

	second := r.Clone()
	second.ID = "apr-2"
	err := s.CreateApproval(ctx, second)
	assert.True(t, sserr.HasCode(err, sserr.CodeApprovalPending), "got %v", err)

	pending, err := s.PendingApproval(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "apr-1", pending.ID)
	assert.Equal(t, "sales-etl-03", pending.Decision.Parameters["job_name"])

	list, err := s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.ResolveApproval(ctx, "apr-1", incident.ApprovalRejected, "oncall@example.com", now))
	err = s.ResolveApproval(ctx, "apr-1", incident.ApprovalApproved, "someone", now)
	assert.True(t, sserr.HasCode(err, sserr.CodeApprovalNotPending), "got %v", err)

	got, err := s.GetApproval(ctx, "apr-1")
	require.NoError(t, err)
	assert.Equal(t, incident.ApprovalRejected, got.State)
	assert.Equal(t, "oncall@example.com", got.Actor)
	require.NotNil(t, got.ResolvedAt)

	_, err = s.PendingApproval(ctx, inc.ID)
	assert.True(t, sserr.IsNotFound(err), "got %v", err)

	latest, err := s.LatestApproval(ctx, inc.ID)
	require.NoError(t, err, "a resolved request stays visible as the latest")
	assert.Equal(t, "apr-1", latest.ID)
	assert.Equal(t, incident.ApprovalRejected, latest.State)
	assert.Equal(t, "oncall@example.com", latest.Actor)

	second.ID = "apr-3"
	second.RequestedAt = now.Add(time.Minute)
	require.NoError(t, s.CreateApproval(ctx, second), "a new round may start once the previous one resolved")

	latest, err = s.LatestApproval(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "apr-3", latest.ID)
	assert.True(t, latest.Pending())

	_, err = s.LatestApproval(ctx, "no-such-incident")
	assert.True(t, sserr.IsNotFound(err), "got %v", err)
}
