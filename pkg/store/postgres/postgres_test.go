package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/selfheal/internal/testutil"
	pgclient "github.com/StricklySoft/selfheal/pkg/clients/postgres"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/store"
	"github.com/StricklySoft/selfheal/pkg/store/storetest"
)

var (
	incidentCols   = []string{"id", "source_ref", "kind", "status", "attempt_count", "detail", "last_decision", "created_at", "updated_at", "version"}
	transitionCols = []string{"incident_id", "seq", "from_status", "to_status", "cause", "reason", "decision", "outcome", "actor", "occurred_at"}
	entryCols      = []string{"incident_id", "idempotency_key", "action", "parameters", "state", "attempts", "outcome", "created_at", "updated_at"}
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, New(pgclient.NewFromPool(mock, &pgclient.Config{Database: "selfheal"}))
}

var created = time.Date(2026, 10, 1, 4, 0, 0, 0, time.UTC)

// ===========================================================================
// Incident Tests
// ===========================================================================

// TestStore_Create verifies the row and its initial history are written
// in one transaction.
func TestStore_Create(t *testing.T) {
	mock, s := newMock(t)
	inc := storetest.NewIncident("sales-etl-03")
	_, err := inc.Advance(incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO selfheal_incidents").
		WithArgs(inc.ID, "sales-etl-03", "job-failure", "DIAGNOSING", 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), 1, incident.SchemaVersion, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO selfheal_transitions").
		WithArgs(inc.ID, 1, "OPEN", "DIAGNOSING", "event", "", pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Create(context.Background(), inc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_Create_Duplicate verifies unique violations are conflicts.
func TestStore_Create_Duplicate(t *testing.T) {
	mock, s := newMock(t)
	inc := storetest.NewIncident("sales-etl-03")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO selfheal_incidents").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "selfheal_incidents_pkey"})
	mock.ExpectRollback()

	err := s.Create(context.Background(), inc)
	testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_Get verifies the row and history are assembled and validated.
func TestStore_Get(t *testing.T) {
	mock, s := newMock(t)
	decision := []byte(`{"action_name":"restart-job","parameters":{"job_name":"sales-etl-03"},"confidence":0.92}`)

	mock.ExpectQuery("SELECT id, source_ref, kind, status").
		WithArgs("inc-1").
		WillReturnRows(pgxmock.NewRows(incidentCols).
			AddRow("inc-1", "sales-etl-03", "job-failure", "REMEDIATING", 1,
				[]byte(`{"error":"cast failed"}`), decision, created, created, 2))
	mock.ExpectQuery("SELECT incident_id, seq, from_status").
		WithArgs([]string{"inc-1"}).
		WillReturnRows(pgxmock.NewRows(transitionCols).
			AddRow("inc-1", 1, "OPEN", "DIAGNOSING", "event", "", nil, nil, "", created).
			AddRow("inc-1", 2, "DIAGNOSING", "REMEDIATING", "decision", "", decision, nil, "", created))

	inc, err := s.Get(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusRemediating, inc.Status)
	assert.Equal(t, "cast failed", inc.Detail["error"])
	require.Len(t, inc.History, 2)
	require.NotNil(t, inc.History[1].Decision)
	assert.Equal(t, "restart-job", inc.History[1].Decision.ActionName)
	require.NotNil(t, inc.LastDecision)
	assert.InDelta(t, 0.92, inc.LastDecision.Confidence, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_Get_NotFound verifies a missing row is reported by code.
func TestStore_Get_NotFound(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("SELECT id, source_ref").WithArgs("nope").WillReturnRows(pgxmock.NewRows(incidentCols))

	_, err := s.Get(context.Background(), "nope")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundIncident)
}

// TestStore_Get_Corrupted verifies a history that disagrees with the
// version column is reported as corrupted.
func TestStore_Get_Corrupted(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("SELECT id, source_ref").WithArgs("inc-1").
		WillReturnRows(pgxmock.NewRows(incidentCols).
			AddRow("inc-1", "sales-etl-03", "job-failure", "DIAGNOSING", 0, []byte(`{}`), nil, created, created, 3))
	mock.ExpectQuery("SELECT incident_id, seq").WithArgs([]string{"inc-1"}).
		WillReturnRows(pgxmock.NewRows(transitionCols).
			AddRow("inc-1", 1, "OPEN", "DIAGNOSING", "event", "", nil, nil, "", created))

	_, err := s.Get(context.Background(), "inc-1")
	testutil.RequireErrorCode(t, err, sserr.CodeCorruptedRecord)
}

// TestStore_Commit verifies only transitions after the expected version
// are inserted.
func TestStore_Commit(t *testing.T) {
	mock, s := newMock(t)
	inc := storetest.NewIncident("sales-etl-03")
	_, _ = inc.Advance(incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent})
	_, _ = inc.Advance(incident.Transition{To: incident.StatusEscalated, Cause: incident.CauseDecision, Reason: "no decision"})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE selfheal_incidents").
		WithArgs(inc.ID, 1, "ESCALATED", 0, pgxmock.AnyArg(), 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO selfheal_transitions").
		WithArgs(inc.ID, 2, "DIAGNOSING", "ESCALATED", "decision", "no decision", pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background(), inc, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_Commit_VersionMismatch verifies a stale writer is rejected.
func TestStore_Commit_VersionMismatch(t *testing.T) {
	mock, s := newMock(t)
	inc := storetest.NewIncident("sales-etl-03")
	_, _ = inc.Advance(incident.Transition{To: incident.StatusDiagnosing, Cause: incident.CauseEvent})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE selfheal_incidents").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT version FROM selfheal_incidents").WithArgs(inc.ID).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(4))
	mock.ExpectRollback()

	err := s.Commit(context.Background(), inc, 0)
	testutil.RequireErrorCode(t, err, sserr.CodeConflictVersionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_Commit_Truncation verifies shorter histories never reach the
// database.
func TestStore_Commit_Truncation(t *testing.T) {
	mock, s := newMock(t)
	err := s.Commit(context.Background(), storetest.NewIncident("x"), 2)
	assert.True(t, sserr.IsInvariant(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_ForceFail verifies a FAILED transition is appended without
// decoding the record.
func TestStore_ForceFail(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, version FROM selfheal_incidents").WithArgs("inc-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "version"}).AddRow("VERIFYING", 5))
	mock.ExpectExec("INSERT INTO selfheal_transitions").
		WithArgs("inc-1", 6, "VERIFYING", "FAILED", "internal-error", "corrupt", pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE selfheal_incidents SET status").
		WithArgs("inc-1", "FAILED", 6, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ForceFail(context.Background(), "inc-1", "corrupt"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_ListActive verifies non-terminal statuses are queried.
func TestStore_ListActive(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("SELECT id FROM selfheal_incidents WHERE status").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("inc-1").AddRow("inc-2"))

	ids, err := s.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"inc-1", "inc-2"}, ids)
}

// TestStore_List_Empty verifies the filter arguments and that no history
// query runs for an empty page.
func TestStore_List_Empty(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectQuery("SELECT id, source_ref").
		WithArgs([]string{"ESCALATED"}, "sales-etl-03", store.DefaultListLimit).
		WillReturnRows(pgxmock.NewRows(incidentCols))

	list, err := s.List(context.Background(), store.Filter{
		Statuses:  []incident.Status{incident.StatusEscalated},
		SourceRef: "sales-etl-03",
	})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Ledger Tests
// ===========================================================================

// TestStore_PutEntry_TerminalConflict verifies terminal entries are
// protected inside the transaction.
func TestStore_PutEntry_TerminalConflict(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT incident_id, idempotency_key").WithArgs("inc-1", "restart-job:abc").
		WillReturnRows(pgxmock.NewRows(entryCols).
			AddRow("inc-1", "restart-job:abc", "restart-job", []byte(`{}`), "succeeded", 1,
				[]byte(`{"succeeded":true,"verified":false,"idempotency_key":"restart-job:abc","attempts":1,"duration":0}`),
				created, created))
	mock.ExpectRollback()

	err := s.PutEntry(context.Background(), &incident.LedgerEntry{
		IncidentID: "inc-1", Key: "restart-job:abc", Action: "restart-job",
		State: incident.LedgerPending, Attempts: 2,
	})
	assert.True(t, sserr.IsConflict(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_PutEntry_Insert verifies a new entry is upserted.
func TestStore_PutEntry_Insert(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT incident_id, idempotency_key").WithArgs("inc-1", "k").
		WillReturnRows(pgxmock.NewRows(entryCols))
	mock.ExpectExec("INSERT INTO selfheal_ledger").
		WithArgs("inc-1", "k", "restart-job", []byte(`{"job_name":"sales-etl-03"}`), "pending", 1,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.PutEntry(context.Background(), &incident.LedgerEntry{
		IncidentID: "inc-1", Key: "k", Action: "restart-job",
		Parameters: map[string]any{"job_name": "sales-etl-03"},
		State:      incident.LedgerPending, Attempts: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Approval Tests
// ===========================================================================

// TestStore_CreateApproval_Pending verifies the partial unique index maps
// to CodeApprovalPending.
func TestStore_CreateApproval_Pending(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectExec("INSERT INTO selfheal_approvals").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: onePendingIndex})

	err := s.CreateApproval(context.Background(), &incident.ApprovalRequest{
		ID: "apr-2", IncidentID: "inc-1", State: incident.ApprovalPending,
	})
	testutil.RequireErrorCode(t, err, sserr.CodeApprovalPending)
}

// TestStore_LatestApproval verifies the newest request is returned in any
// state and an incident without requests maps to CodeNotFound.
func TestStore_LatestApproval(t *testing.T) {
	mock, s := newMock(t)
	resolved := created.Add(time.Minute)
	mock.ExpectQuery("ORDER BY requested_at DESC LIMIT 1").
		WithArgs("inc-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "incident_id", "token", "summary", "decision", "state", "actor", "requested_at", "deadline", "resolved_at"}).
			AddRow("apr-1", "inc-1", "tok", "restart?", []byte(`{"action_name":"restart-job","confidence":0.4}`),
				"expired", "system", created, created.Add(time.Hour), &resolved))
	mock.ExpectQuery("SELECT id, incident_id, token").WithArgs("inc-2").
		WillReturnRows(pgxmock.NewRows([]string{"id", "incident_id", "token", "summary", "decision", "state", "actor", "requested_at", "deadline", "resolved_at"}))

	r, err := s.LatestApproval(context.Background(), "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "apr-1", r.ID)
	assert.Equal(t, incident.ApprovalExpired, r.State)
	require.NotNil(t, r.ResolvedAt)

	_, err = s.LatestApproval(context.Background(), "inc-2")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStore_ResolveApproval_NotPending verifies a second resolution is
// rejected.
func TestStore_ResolveApproval_NotPending(t *testing.T) {
	mock, s := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("UPDATE selfheal_approvals").
		WithArgs("apr-1", "approved", "oncall", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT id, incident_id, token").WithArgs("apr-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "incident_id", "token", "summary", "decision", "state", "actor", "requested_at", "deadline", "resolved_at"}).
			AddRow("apr-1", "inc-1", "tok", "restart?", []byte(`{"action_name":"restart-job","confidence":0.4}`),
				"rejected", "someone", created, created.Add(time.Hour), &now))

	err := s.ResolveApproval(context.Background(), "apr-1", incident.ApprovalApproved, "oncall", now)
	testutil.RequireErrorCode(t, err, sserr.CodeApprovalNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}
