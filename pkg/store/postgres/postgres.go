// Package postgres is the production incident store. Incidents, their
// append-only transition history, the execution ledger and approval
// requests live in four tables created by [Migrate].
//
// Commits are optimistic: the incident row carries a version equal to its
// history length, and an update only applies when the caller's expected
// version still matches. New transitions are inserted in the same
// transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	pgclient "github.com/StricklySoft/selfheal/pkg/clients/postgres"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/store"
)

// Schema creates the store's tables.
const Schema = `
CREATE TABLE IF NOT EXISTS selfheal_incidents (
    id             TEXT PRIMARY KEY,
    source_ref     TEXT NOT NULL,
    kind           TEXT NOT NULL,
    status         TEXT NOT NULL,
    attempt_count  INTEGER NOT NULL DEFAULT 0,
    detail         JSONB NOT NULL DEFAULT '{}'::jsonb,
    last_decision  JSONB,
    version        INTEGER NOT NULL DEFAULT 0,
    schema_version INTEGER NOT NULL DEFAULT 1,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS selfheal_incidents_status ON selfheal_incidents (status);
CREATE INDEX IF NOT EXISTS selfheal_incidents_source_created
    ON selfheal_incidents (source_ref, created_at DESC);

CREATE TABLE IF NOT EXISTS selfheal_transitions (
    incident_id TEXT NOT NULL REFERENCES selfheal_incidents (id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    cause       TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    decision    JSONB,
    outcome     JSONB,
    actor       TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (incident_id, seq)
);

CREATE TABLE IF NOT EXISTS selfheal_ledger (
    incident_id     TEXT NOT NULL REFERENCES selfheal_incidents (id) ON DELETE CASCADE,
    idempotency_key TEXT NOT NULL,
    action          TEXT NOT NULL,
    parameters      JSONB NOT NULL DEFAULT '{}'::jsonb,
    state           TEXT NOT NULL,
    attempts        INTEGER NOT NULL,
    outcome         JSONB NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (incident_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS selfheal_approvals (
    id           TEXT PRIMARY KEY,
    incident_id  TEXT NOT NULL REFERENCES selfheal_incidents (id) ON DELETE CASCADE,
    token        TEXT NOT NULL,
    summary      TEXT NOT NULL,
    decision     JSONB NOT NULL,
    state        TEXT NOT NULL,
    actor        TEXT NOT NULL DEFAULT '',
    requested_at TIMESTAMPTZ NOT NULL,
    deadline     TIMESTAMPTZ NOT NULL,
    resolved_at  TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS selfheal_approvals_one_pending
    ON selfheal_approvals (incident_id) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS selfheal_approvals_incident_requested
    ON selfheal_approvals (incident_id, requested_at DESC);
`

const onePendingIndex = "selfheal_approvals_one_pending"

// Migrate applies Schema. It is idempotent.
func Migrate(ctx context.Context, db *pgclient.Client) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db  *pgclient.Client
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns a store using db. The schema must already exist.
func New(db *pgclient.Client) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// =========================================================================
// Incidents
// =========================================================================

const insertIncident = `INSERT INTO selfheal_incidents
(id, source_ref, kind, status, attempt_count, detail, last_decision, version, schema_version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const insertTransition = `INSERT INTO selfheal_transitions
(incident_id, seq, from_status, to_status, cause, reason, decision, outcome, actor, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Create implements store.Incidents.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) error {
	detail, lastDecision, err := encodeIncident(inc)
	if err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertIncident,
			inc.ID, inc.SourceRef, string(inc.Kind), string(inc.Status), inc.AttemptCount,
			detail, lastDecision, inc.Version(), incident.SchemaVersion, inc.CreatedAt, inc.UpdatedAt)
		if err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to insert incident "+inc.ID)
		}
		return insertTransitions(ctx, tx, inc.ID, inc.History)
	})
}

const selectIncident = `SELECT id, source_ref, kind, status, attempt_count, detail, last_decision,
created_at, updated_at, version FROM selfheal_incidents`

const selectTransitions = `SELECT incident_id, seq, from_status, to_status, cause, reason, decision, outcome,
actor, occurred_at FROM selfheal_transitions WHERE incident_id = ANY($1) ORDER BY incident_id, seq`

// Get implements store.Incidents.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, error) {
	rows, err := s.db.Query(ctx, selectIncident+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	incs, err := s.collect(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(incs) == 0 {
		return nil, sserr.Newf(sserr.CodeNotFoundIncident, "store/postgres: incident %s not found", id)
	}
	return incs[0], nil
}

const updateIncident = `UPDATE selfheal_incidents
SET status = $3, attempt_count = $4, last_decision = $5, version = $6, updated_at = $7
WHERE id = $1 AND version = $2`

const selectVersion = `SELECT version FROM selfheal_incidents WHERE id = $1`

// Commit implements store.Incidents.
func (s *Store) Commit(ctx context.Context, inc *incident.Incident, expectedVersion int) error {
	// Rejects truncation before touching the database.
	if err := store.CheckAppend(inc.ID, expectedVersion, expectedVersion, inc); err != nil {
		return err
	}
	_, lastDecision, err := encodeIncident(inc)
	if err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateIncident,
			inc.ID, expectedVersion, string(inc.Status), inc.AttemptCount, lastDecision, inc.Version(), inc.UpdatedAt)
		if err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to update incident "+inc.ID)
		}
		if tag.RowsAffected() == 0 {
			var stored int
			if err := tx.QueryRow(ctx, selectVersion, inc.ID).Scan(&stored); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return sserr.Newf(sserr.CodeNotFoundIncident, "store/postgres: incident %s not found", inc.ID)
				}
				return pgclient.WrapError(err, "store/postgres: failed to read incident version")
			}
			return store.CheckAppend(inc.ID, stored, expectedVersion, inc)
		}
		return insertTransitions(ctx, tx, inc.ID, inc.History[expectedVersion:])
	})
}

const lockIncident = `SELECT status, version FROM selfheal_incidents WHERE id = $1 FOR UPDATE`

const failIncident = `UPDATE selfheal_incidents SET status = $2, version = $3, updated_at = $4 WHERE id = $1`

// ForceFail implements store.Incidents. It reads only the status and
// version columns so it works on rows whose documents do not decode.
func (s *Store) ForceFail(ctx context.Context, id, reason string) error {
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		var (
			status  string
			version int
		)
		if err := tx.QueryRow(ctx, lockIncident, id).Scan(&status, &version); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return sserr.Newf(sserr.CodeNotFoundIncident, "store/postgres: incident %s not found", id)
			}
			return pgclient.WrapError(err, "store/postgres: failed to lock incident "+id)
		}
		if incident.Status(status).IsTerminal() {
			return nil
		}
		now := s.now()
		t := store.ForceFailTransition(version+1, incident.Status(status), reason, now)
		if err := insertTransitions(ctx, tx, id, []incident.Transition{t}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, failIncident, id, string(incident.StatusFailed), version+1, now); err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to mark incident failed")
		}
		return nil
	})
}

const selectActive = `SELECT id FROM selfheal_incidents WHERE status = ANY($1) ORDER BY id`

// ListActive implements store.Incidents.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, selectActive, statusStrings(incident.NonTerminal()))
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgclient.WrapError(err, "store/postgres: failed to list active incidents")
	}
	return ids, nil
}

const listFilter = ` WHERE ($1::text[] IS NULL OR status = ANY($1))
AND ($2 = '' OR source_ref = $2)
ORDER BY created_at DESC, id ASC LIMIT $3`

// List implements store.Incidents.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*incident.Incident, error) {
	rows, err := s.db.Query(ctx, selectIncident+listFilter, statusStrings(f.Statuses), f.SourceRef, f.EffectiveLimit())
	if err != nil {
		return nil, err
	}
	return s.collect(ctx, rows)
}

// collect decodes incident rows and attaches their history.
func (s *Store) collect(ctx context.Context, rows pgx.Rows) ([]*incident.Incident, error) {
	type row struct {
		inc          *incident.Incident
		version      int
		detail       []byte
		lastDecision []byte
	}
	scanned, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var (
			out          = row{inc: &incident.Incident{}}
			kind, status string
		)
		err := r.Scan(&out.inc.ID, &out.inc.SourceRef, &kind, &status, &out.inc.AttemptCount,
			&out.detail, &out.lastDecision, &out.inc.CreatedAt, &out.inc.UpdatedAt, &out.version)
		out.inc.Kind = incident.Kind(kind)
		out.inc.Status = incident.Status(status)
		return out, err
	})
	if err != nil {
		return nil, pgclient.WrapError(err, "store/postgres: failed to read incidents")
	}
	if len(scanned) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scanned))
	byID := make(map[string]*incident.Incident, len(scanned))
	for n, r := range scanned {
		ids[n] = r.inc.ID
		byID[r.inc.ID] = r.inc
		r.inc.History = []incident.Transition{}
		if err := decodeJSON(r.detail, &r.inc.Detail, r.inc.ID, "detail"); err != nil {
			return nil, err
		}
		if len(r.lastDecision) > 0 {
			var d incident.Decision
			if err := decodeJSON(r.lastDecision, &d, r.inc.ID, "last_decision"); err != nil {
				return nil, err
			}
			r.inc.LastDecision = &d
		}
	}

	trows, err := s.db.Query(ctx, selectTransitions, ids)
	if err != nil {
		return nil, err
	}
	err = forEachTransition(trows, func(id string, t incident.Transition) {
		if inc := byID[id]; inc != nil {
			inc.History = append(inc.History, t)
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]*incident.Incident, len(scanned))
	for n, r := range scanned {
		if r.version != r.inc.Version() {
			return nil, sserr.Newf(sserr.CodeCorruptedRecord,
				"store/postgres: incident %s is at version %d but has %d transitions", r.inc.ID, r.version, r.inc.Version())
		}
		if err := r.inc.Validate(); err != nil {
			return nil, err
		}
		out[n] = r.inc
	}
	return out, nil
}

func forEachTransition(rows pgx.Rows, fn func(id string, t incident.Transition)) error {
	defer rows.Close()
	for rows.Next() {
		var (
			id                string
			t                 incident.Transition
			from, to, cause   string
			decision, outcome []byte
		)
		if err := rows.Scan(&id, &t.Seq, &from, &to, &cause, &t.Reason, &decision, &outcome, &t.Actor, &t.Timestamp); err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to read transitions")
		}
		t.From, t.To, t.Cause = incident.Status(from), incident.Status(to), incident.Cause(cause)
		if len(decision) > 0 {
			t.Decision = &incident.Decision{}
			if err := decodeJSON(decision, t.Decision, id, "transition decision"); err != nil {
				return err
			}
		}
		if len(outcome) > 0 {
			t.Outcome = &incident.Outcome{}
			if err := decodeJSON(outcome, t.Outcome, id, "transition outcome"); err != nil {
				return err
			}
		}
		fn(id, t)
	}
	if err := rows.Err(); err != nil {
		return pgclient.WrapError(err, "store/postgres: failed to read transitions")
	}
	return nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, id string, ts []incident.Transition) error {
	for _, t := range ts {
		decision, err := encodeOptional(t.Decision)
		if err != nil {
			return err
		}
		outcome, err := encodeOptional(t.Outcome)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, insertTransition, id, t.Seq, string(t.From), string(t.To), string(t.Cause),
			t.Reason, decision, outcome, t.Actor, t.Timestamp)
		if err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to append transition")
		}
	}
	return nil
}

// =========================================================================
// Ledger
// =========================================================================

const selectEntry = `SELECT incident_id, idempotency_key, action, parameters, state, attempts, outcome,
created_at, updated_at FROM selfheal_ledger`

const upsertEntry = `INSERT INTO selfheal_ledger
(incident_id, idempotency_key, action, parameters, state, attempts, outcome, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (incident_id, idempotency_key) DO UPDATE
SET state = EXCLUDED.state, attempts = EXCLUDED.attempts, outcome = EXCLUDED.outcome, updated_at = EXCLUDED.updated_at`

// GetEntry implements store.Ledger.
func (s *Store) GetEntry(ctx context.Context, incidentID, key string) (*incident.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, selectEntry+` WHERE incident_id = $1 AND idempotency_key = $2`, incidentID, key)
	if err != nil {
		return nil, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sserr.NotFoundf("store/postgres: no ledger entry %s for incident %s", key, incidentID)
	}
	return entries[0], nil
}

// PutEntry implements store.Ledger. The current row is locked so the
// overwrite rule is checked against what will actually be replaced.
func (s *Store) PutEntry(ctx context.Context, e *incident.LedgerEntry) error {
	params, err := json.Marshal(nonNilMap(e.Parameters))
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "store/postgres: failed to encode parameters")
	}
	outcome, err := json.Marshal(e.Outcome)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "store/postgres: failed to encode outcome")
	}
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectEntry+` WHERE incident_id = $1 AND idempotency_key = $2 FOR UPDATE`, e.IncidentID, e.Key)
		if err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to lock ledger entry")
		}
		current, err := collectEntries(rows)
		if err != nil {
			return err
		}
		if len(current) > 0 {
			if err := store.ReplaceEntry(current[0], e); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, upsertEntry, e.IncidentID, e.Key, e.Action, params, string(e.State), e.Attempts,
			outcome, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return pgclient.WrapError(err, "store/postgres: failed to write ledger entry")
		}
		return nil
	})
}

// ListEntries implements store.Ledger.
func (s *Store) ListEntries(ctx context.Context, incidentID string) ([]*incident.LedgerEntry, error) {
	rows, err := s.db.Query(ctx, selectEntry+` WHERE incident_id = $1 ORDER BY created_at`, incidentID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*incident.LedgerEntry, error) {
	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (*incident.LedgerEntry, error) {
		var (
			e               incident.LedgerEntry
			state           string
			params, outcome []byte
		)
		if err := r.Scan(&e.IncidentID, &e.Key, &e.Action, &params, &state, &e.Attempts, &outcome,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.State = incident.LedgerState(state)
		if err := decodeJSON(params, &e.Parameters, e.IncidentID, "ledger parameters"); err != nil {
			return nil, err
		}
		if err := decodeJSON(outcome, &e.Outcome, e.IncidentID, "ledger outcome"); err != nil {
			return nil, err
		}
		return &e, nil
	})
	if err != nil {
		if _, coded := sserr.AsError(err); coded {
			return nil, err
		}
		return nil, pgclient.WrapError(err, "store/postgres: failed to read ledger")
	}
	return entries, nil
}

// =========================================================================
// Approvals
// =========================================================================

const insertApproval = `INSERT INTO selfheal_approvals
(id, incident_id, token, summary, decision, state, actor, requested_at, deadline, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const selectApproval = `SELECT id, incident_id, token, summary, decision, state, actor, requested_at,
deadline, resolved_at FROM selfheal_approvals`

const resolveApproval = `UPDATE selfheal_approvals SET state = $2, actor = $3, resolved_at = $4
WHERE id = $1 AND state = 'pending'`

// CreateApproval implements store.Approvals.
func (s *Store) CreateApproval(ctx context.Context, r *incident.ApprovalRequest) error {
	decision, err := json.Marshal(r.Decision)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "store/postgres: failed to encode decision")
	}
	_, err = s.db.Exec(ctx, insertApproval, r.ID, r.IncidentID, r.Token, r.Summary, decision,
		string(r.State), r.Actor, r.RequestedAt, r.Deadline, r.ResolvedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == onePendingIndex {
		return sserr.Wrapf(err, sserr.CodeApprovalPending,
			"store/postgres: incident %s already has a pending approval", r.IncidentID)
	}
	return err
}

// GetApproval implements store.Approvals.
func (s *Store) GetApproval(ctx context.Context, id string) (*incident.ApprovalRequest, error) {
	return s.oneApproval(ctx, selectApproval+` WHERE id = $1`, id, "store/postgres: approval "+id+" not found")
}

// PendingApproval implements store.Approvals.
func (s *Store) PendingApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	return s.oneApproval(ctx, selectApproval+` WHERE incident_id = $1 AND state = 'pending'`, incidentID,
		"store/postgres: incident "+incidentID+" has no pending approval")
}

// LatestApproval implements store.Approvals.
func (s *Store) LatestApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	return s.oneApproval(ctx, selectApproval+` WHERE incident_id = $1 ORDER BY requested_at DESC LIMIT 1`, incidentID,
		"store/postgres: incident "+incidentID+" has no approval requests")
}

// ResolveApproval implements store.Approvals.
func (s *Store) ResolveApproval(ctx context.Context, id string, state incident.ApprovalState, actor string, at time.Time) error {
	tag, err := s.db.Exec(ctx, resolveApproval, id, string(state), actor, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	return sserr.Newf(sserr.CodeApprovalNotPending, "store/postgres: approval %s is already %s", id, current.State)
}

// ListPendingApprovals implements store.Approvals.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*incident.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx, selectApproval+` WHERE state = 'pending' ORDER BY deadline`)
	if err != nil {
		return nil, err
	}
	return collectApprovals(rows)
}

func (s *Store) oneApproval(ctx context.Context, sql, arg, notFound string) (*incident.ApprovalRequest, error) {
	rows, err := s.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	list, err := collectApprovals(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, sserr.New(sserr.CodeNotFound, notFound)
	}
	return list[0], nil
}

func collectApprovals(rows pgx.Rows) ([]*incident.ApprovalRequest, error) {
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*incident.ApprovalRequest, error) {
		var (
			r        incident.ApprovalRequest
			state    string
			decision []byte
		)
		if err := row.Scan(&r.ID, &r.IncidentID, &r.Token, &r.Summary, &decision, &state, &r.Actor,
			&r.RequestedAt, &r.Deadline, &r.ResolvedAt); err != nil {
			return nil, err
		}
		r.State = incident.ApprovalState(state)
		if err := decodeJSON(decision, &r.Decision, r.IncidentID, "approval decision"); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		if _, coded := sserr.AsError(err); coded {
			return nil, err
		}
		return nil, pgclient.WrapError(err, "store/postgres: failed to read approvals")
	}
	return list, nil
}

// =========================================================================
// Lifecycle
// =========================================================================

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func encodeIncident(inc *incident.Incident) (detail, lastDecision []byte, err error) {
	if detail, err = json.Marshal(nonNilMap(inc.Detail)); err != nil {
		return nil, nil, sserr.Wrap(err, sserr.CodeInternal, "store/postgres: failed to encode detail")
	}
	if lastDecision, err = encodeOptional(inc.LastDecision); err != nil {
		return nil, nil, err
	}
	return detail, lastDecision, nil
}

// encodeOptional returns nil for a nil pointer so the column stays NULL.
func encodeOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "store/postgres: failed to encode record")
	}
	return raw, nil
}

func decodeJSON(raw []byte, dst any, id, field string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return sserr.Wrapf(err, sserr.CodeCorruptedRecord, "store/postgres: incident %s has unreadable %s", id, field)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func statusStrings(ss []incident.Status) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	for n, s := range ss {
		out[n] = string(s)
	}
	return out
}
