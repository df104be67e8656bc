package store

import (
	"time"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// CheckAppend verifies that next extends a stored history of length
// stored by exactly the transitions after expected.
func CheckAppend(id string, stored, expected int, next *incident.Incident) error {
	if stored != expected {
		return sserr.Newf(sserr.CodeConflictVersionMismatch,
			"store: incident %s is at version %d, commit expected %d", id, stored, expected).
			WithDetail("incident_id", id)
	}
	if next.Version() < expected {
		return sserr.Invariantf("store: commit of %s would truncate history from %d to %d",
			id, expected, next.Version())
	}
	return nil
}

// ForceFailTransition builds the FAILED transition appended by ForceFail
// implementations.
func ForceFailTransition(seq int, from incident.Status, reason string, at time.Time) incident.Transition {
	return incident.Transition{
		Seq:       seq,
		From:      from,
		To:        incident.StatusFailed,
		Cause:     incident.CauseInternalError,
		Reason:    reason,
		Timestamp: at,
	}
}

// EffectiveLimit returns the limit List applies.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Matches reports whether inc passes f, ignoring Limit.
func (f Filter) Matches(inc *incident.Incident) bool {
	if f.SourceRef != "" && inc.SourceRef != f.SourceRef {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inc.Status == s {
			return true
		}
	}
	return false
}

// ReplaceEntry applies the ledger overwrite rule.
func ReplaceEntry(current, next *incident.LedgerEntry) error {
	if current.CanReplace(next) {
		return nil
	}
	return sserr.Conflictf("store: ledger entry %s is %s and cannot be overwritten", next.Key, current.State).
		WithDetail("incident_id", next.IncidentID)
}
