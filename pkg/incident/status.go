// Package incident defines the records owned by the remediation engine:
// the [Incident] itself, its append-only [Transition] history, agent
// [Decision]s, action [Outcome]s and the per-incident execution ledger
// entries ([LedgerEntry]).
//
// # Lifecycle
//
// An incident is created OPEN by intake and driven by the engine through
// a bounded diagnose, act, verify cycle:
//
//	OPEN → DIAGNOSING → REMEDIATING → VERIFYING → RESOLVED
//	                  ↘ AWAITING_APPROVAL ↗
//
// Failed or unverified remediation returns to DIAGNOSING while attempts
// remain. RESOLVED, ESCALATED and FAILED are terminal: a terminal incident
// accepts no further transition. Every legal edge is listed in
// [validTransitions] and checked by [ValidTransition].
package incident

// Status is the lifecycle position of an incident. The zero value is not a
// valid status.
type Status string

const (
	// StatusOpen is the initial status assigned by intake.
	StatusOpen Status = "OPEN"

	// StatusDiagnosing means the agent is being consulted.
	StatusDiagnosing Status = "DIAGNOSING"

	// StatusAwaitingApproval means the decision's confidence was below the
	// threshold and a human must approve or reject it.
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"

	// StatusRemediating means the chosen action is executing.
	StatusRemediating Status = "REMEDIATING"

	// StatusVerifying means the action succeeded and its post-condition is
	// being checked.
	StatusVerifying Status = "VERIFYING"

	// StatusResolved is terminal: the action was verified.
	StatusResolved Status = "RESOLVED"

	// StatusEscalated is terminal: the incident was routed to a human.
	StatusEscalated Status = "ESCALATED"

	// StatusFailed is terminal: an internal invariant was violated or the
	// persisted record was corrupt. Requires manual investigation.
	StatusFailed Status = "FAILED"
)

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusDiagnosing, StatusAwaitingApproval, StatusRemediating,
		StatusVerifying, StatusResolved, StatusEscalated, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is RESOLVED, ESCALATED or FAILED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminal lists the statuses an incident can be recovered from after a
// restart.
func NonTerminal() []Status {
	return []Status{StatusOpen, StatusDiagnosing, StatusAwaitingApproval, StatusRemediating, StatusVerifying}
}

// validTransitions is the incident state machine. FAILED is reachable from
// every non-terminal status (unrecoverable internal error) and ESCALATED
// from every non-terminal status (operator cancellation).
//
//	OPEN              → DIAGNOSING
//	DIAGNOSING        → REMEDIATING, AWAITING_APPROVAL, ESCALATED
//	AWAITING_APPROVAL → REMEDIATING, ESCALATED
//	REMEDIATING       → VERIFYING, DIAGNOSING, ESCALATED
//	VERIFYING         → RESOLVED, DIAGNOSING, ESCALATED
var validTransitions = map[Status][]Status{
	StatusOpen:             {StatusDiagnosing, StatusEscalated, StatusFailed},
	StatusDiagnosing:       {StatusRemediating, StatusAwaitingApproval, StatusEscalated, StatusFailed},
	StatusAwaitingApproval: {StatusRemediating, StatusEscalated, StatusFailed},
	StatusRemediating:      {StatusVerifying, StatusDiagnosing, StatusEscalated, StatusFailed},
	StatusVerifying:        {StatusResolved, StatusDiagnosing, StatusEscalated, StatusFailed},
}

// ValidTransition reports whether the state machine permits from → to.
// Same-status transitions and any transition out of a terminal status are
// rejected.
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
