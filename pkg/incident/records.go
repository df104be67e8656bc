package incident

import (
	"time"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Decision is the agent's proposed remediation. Rationale is explanatory
// text and is never interpreted by the engine.
type Decision struct {
	ActionName string         `json:"action_name" validate:"required,max=128"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Clone returns a copy with its own parameter map.
func (d Decision) Clone() Decision {
	d.Parameters = cloneMap(d.Parameters)
	return d
}

// OutcomeError is the typed error carried by an Outcome.
type OutcomeError struct {
	Code    sserr.Code `json:"code"`
	Message string     `json:"message"`
}

// NewOutcomeError converts err to its persisted form.
func NewOutcomeError(err error) *OutcomeError {
	if err == nil {
		return nil
	}
	e := sserr.FromError(err)
	return &OutcomeError{Code: e.Code, Message: e.Error()}
}

// Err returns the error as an *sserr.Error.
func (e *OutcomeError) Err() error {
	if e == nil {
		return nil
	}
	return sserr.New(e.Code, e.Message)
}

// Outcome is the result of executing an action.
type Outcome struct {
	Succeeded      bool          `json:"succeeded"`
	Verified       bool          `json:"verified"`
	Error          *OutcomeError `json:"error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Attempts       int           `json:"attempts"`
	Replayed       bool          `json:"replayed,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// LedgerState is the execution state of one ledger entry.
type LedgerState string

const (
	// LedgerPending is written before the action is invoked.
	LedgerPending LedgerState = "pending"

	// LedgerAmbiguous means the last invocation timed out; the side effect
	// may or may not have happened.
	LedgerAmbiguous LedgerState = "ambiguous"

	// LedgerSucceeded is terminal.
	LedgerSucceeded LedgerState = "succeeded"

	// LedgerFailed is terminal.
	LedgerFailed LedgerState = "failed"
)

// IsTerminal reports whether the entry must never be overwritten.
func (s LedgerState) IsTerminal() bool {
	return s == LedgerSucceeded || s == LedgerFailed
}

// LedgerEntry records the most recent execution of one idempotency key
// within one incident.
type LedgerEntry struct {
	IncidentID string         `json:"incident_id"`
	Key        string         `json:"idempotency_key"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	State      LedgerState    `json:"state"`
	Attempts   int            `json:"attempts"`
	Outcome    Outcome        `json:"outcome"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CanReplace reports whether next may overwrite the receiver. A terminal
// entry may only be rewritten to record its verification result.
func (e *LedgerEntry) CanReplace(next *LedgerEntry) bool {
	if e == nil {
		return true
	}
	if !e.State.IsTerminal() {
		return true
	}
	return next.State == e.State &&
		next.Attempts == e.Attempts &&
		next.Outcome.Succeeded == e.Outcome.Succeeded
}

// ApprovalState tracks a human approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// ApprovalRequest is the persisted record of one approval round. At most
// one request per incident is pending at a time.
type ApprovalRequest struct {
	ID          string        `json:"id"`
	IncidentID  string        `json:"incident_id"`
	Token       string        `json:"token"`
	Summary     string        `json:"summary"`
	Decision    Decision      `json:"decision"`
	State       ApprovalState `json:"state"`
	Actor       string        `json:"actor,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	Deadline    time.Time     `json:"deadline"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// Pending reports whether the request still awaits a response.
func (r *ApprovalRequest) Pending() bool {
	return r.State == ApprovalPending
}

// Clone returns a deep copy.
func (e *LedgerEntry) Clone() *LedgerEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Parameters = cloneMap(e.Parameters)
	if e.Outcome.Error != nil {
		oe := *e.Outcome.Error
		c.Outcome.Error = &oe
	}
	return &c
}

// Clone returns a deep copy.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Decision = r.Decision.Clone()
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
