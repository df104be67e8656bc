// Package store defines persistence for incidents, their transition
// history, the execution ledger and approval requests.
//
// Three implementations exist: memory (tests and the example), postgres
// (production) and badger (single-node embedded). All of them enforce the
// same rules, exercised by the storetest conformance suite:
//
//   - Commit appends transitions only when the caller's expected version
//     matches the stored one, so a writer working from a stale copy gets
//     CodeConflictVersionMismatch instead of reordering history.
//   - A terminal ledger entry is never overwritten except to record its
//     verification result.
//   - At most one approval request per incident is pending.
package store

import (
	"context"
	"time"

	"github.com/StricklySoft/selfheal/pkg/incident"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Statuses  []incident.Status
	SourceRef string

	// Limit caps the result size. Zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit applies when Filter.Limit is zero.
const DefaultListLimit = 100

// Incidents persists incidents and their history.
type Incidents interface {
	// Create stores a new incident. An existing id returns
	// CodeConflictAlreadyExists.
	Create(ctx context.Context, inc *incident.Incident) error

	// Get returns a copy of the incident, CodeNotFoundIncident when it is
	// absent and CodeCorruptedRecord when it fails validation.
	Get(ctx context.Context, id string) (*incident.Incident, error)

	// Commit persists inc, whose history must extend the stored history
	// of length expectedVersion.
	Commit(ctx context.Context, inc *incident.Incident, expectedVersion int) error

	// ForceFail moves an incident whose record cannot be loaded to FAILED
	// without validating its history. It is a no-op for terminal
	// incidents.
	ForceFail(ctx context.Context, id, reason string) error

	// ListActive returns the ids of all non-terminal incidents.
	ListActive(ctx context.Context) ([]string, error)

	// List returns incidents newest first.
	List(ctx context.Context, f Filter) ([]*incident.Incident, error)
}

// Ledger persists execution ledger entries.
type Ledger interface {
	// GetEntry returns CodeNotFound when there is no entry.
	GetEntry(ctx context.Context, incidentID, key string) (*incident.LedgerEntry, error)

	// PutEntry upserts e. Replacing a terminal entry with anything other
	// than its verification result returns CodeConflict.
	PutEntry(ctx context.Context, e *incident.LedgerEntry) error

	ListEntries(ctx context.Context, incidentID string) ([]*incident.LedgerEntry, error)
}

// Approvals persists approval requests.
type Approvals interface {
	// CreateApproval returns CodeApprovalPending when the incident
	// already has a pending request.
	CreateApproval(ctx context.Context, r *incident.ApprovalRequest) error

	GetApproval(ctx context.Context, id string) (*incident.ApprovalRequest, error)

	// PendingApproval returns the incident's pending request or
	// CodeNotFound.
	PendingApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error)

	// LatestApproval returns the incident's most recent request in any
	// state, or CodeNotFound when none was ever made.
	LatestApproval(ctx context.Context, incidentID string) (*incident.ApprovalRequest, error)

	// ResolveApproval moves a pending request to state. A request that is
	// no longer pending returns CodeApprovalNotPending.
	ResolveApproval(ctx context.Context, id string, state incident.ApprovalState, actor string, at time.Time) error

	ListPendingApprovals(ctx context.Context) ([]*incident.ApprovalRequest, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	Incidents
	Ledger
	Approvals

	Health(ctx context.Context) error
	Close() error
}
