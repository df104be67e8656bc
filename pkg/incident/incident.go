package incident

import (
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// SchemaVersion identifies the persisted layout of Incident and
// Transition. Stores refuse records written with a newer version.
const SchemaVersion = 1

// Kind classifies the inbound signal that opened an incident.
type Kind string

const (
	// KindJobFailure is a job-state-change notification.
	KindJobFailure Kind = "job-failure"

	// KindManual is an operator-submitted escalation or trigger.
	KindManual Kind = "manual"
)

// Cause records why a transition happened.
type Cause string

const (
	CauseEvent          Cause = "event"
	CauseDecision       Cause = "decision"
	CauseTimeout        Cause = "timeout"
	CauseOutcome        Cause = "outcome"
	CauseManualOverride Cause = "manual-override"

	// CauseInternalError is used only for transitions into FAILED.
	CauseInternalError Cause = "internal-error"
)

// Event is the normalized inbound failure signal consumed by intake.
type Event struct {
	SourceRef  string         `json:"source_ref" validate:"required,max=256"`
	Kind       Kind           `json:"kind" validate:"required,oneof=job-failure manual"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at" validate:"required"`
}

// Transition is one immutable entry in an incident's history. Seq starts at
// 1 and increases by one per transition.
type Transition struct {
	Seq       int       `json:"seq"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Cause     Cause     `json:"cause"`
	Reason    string    `json:"reason,omitempty"`
	Decision  *Decision `json:"decision,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Incident is one tracked failure episode for a source job.
//
// Version equals len(History) and is the optimistic-concurrency token
// stores compare on commit.
type Incident struct {
	ID           string         `json:"id"`
	SourceRef    string         `json:"source_ref"`
	Kind         Kind           `json:"kind"`
	Detail       map[string]any `json:"detail,omitempty"`
	Status       Status         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	History      []Transition   `json:"history"`
	LastDecision *Decision      `json:"last_decision,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// New creates an OPEN incident for ev with a fresh UUID.
func New(ev Event) *Incident {
	now := time.Now().UTC()
	detail := ev.Detail
	if detail == nil {
		detail = make(map[string]any)
	}
	return &Incident{
		ID:        uuid.NewString(),
		SourceRef: ev.SourceRef,
		Kind:      ev.Kind,
		Detail:    detail,
		Status:    StatusOpen,
		History:   []Transition{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Version returns the number of persisted transitions.
func (i *Incident) Version() int {
	return len(i.History)
}

// IsTerminal reports whether the incident accepts no further mutation.
func (i *Incident) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// Advance appends a transition from the current status to t.To and
// applies it. From, Seq and Timestamp are filled in; the caller sets To,
// Cause and any reason, decision, outcome or actor.
//
// Entering REMEDIATING increments AttemptCount and a decision on the
// transition becomes LastDecision. Advance returns CodeIncidentTerminal
// for terminal incidents and CodeInvariantViolation for edges the state
// machine does not allow.
func (i *Incident) Advance(t Transition) (Transition, error) {
	if i.IsTerminal() {
		return Transition{}, sserr.Newf(sserr.CodeIncidentTerminal,
			"incident: %s is %s and accepts no further transitions", i.ID, i.Status)
	}
	if !ValidTransition(i.Status, t.To) {
		return Transition{}, sserr.Invariantf(
			"incident: transition %s -> %s is not allowed", i.Status, t.To)
	}

	t.Seq = len(i.History) + 1
	t.From = i.Status
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	i.History = append(i.History, t)
	i.Status = t.To
	i.UpdatedAt = t.Timestamp
	if t.To == StatusRemediating {
		i.AttemptCount++
	}
	if t.Decision != nil {
		d := *t.Decision
		i.LastDecision = &d
	}
	return t, nil
}

// LastTransition returns the most recent transition, if any.
func (i *Incident) LastTransition() (Transition, bool) {
	if len(i.History) == 0 {
		return Transition{}, false
	}
	return i.History[len(i.History)-1], true
}

// Validate checks the structural invariants of a loaded record. Stores call
// it after decoding; a failure is reported as CodeCorruptedRecord.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return sserr.New(sserr.CodeCorruptedRecord, "incident: id is empty")
	}
	if i.SourceRef == "" {
		return sserr.Newf(sserr.CodeCorruptedRecord, "incident: %s has no source_ref", i.ID)
	}
	if !i.Status.Valid() {
		return sserr.Newf(sserr.CodeCorruptedRecord, "incident: %s has invalid status %q", i.ID, i.Status)
	}
	if i.AttemptCount < 0 {
		return sserr.Newf(sserr.CodeCorruptedRecord, "incident: %s has negative attempt_count", i.ID)
	}
	prev := StatusOpen
	for n, t := range i.History {
		if t.Seq != n+1 {
			return sserr.Newf(sserr.CodeCorruptedRecord,
				"incident: %s history out of order at seq %d", i.ID, t.Seq)
		}
		if t.From != prev {
			return sserr.Newf(sserr.CodeCorruptedRecord,
				"incident: %s transition %d starts at %s, expected %s", i.ID, t.Seq, t.From, prev)
		}
		prev = t.To
	}
	if prev != i.Status {
		return sserr.Newf(sserr.CodeCorruptedRecord,
			"incident: %s status %s disagrees with history tail %s", i.ID, i.Status, prev)
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.Detail = cloneMap(i.Detail)
	c.History = make([]Transition, len(i.History))
	for n, t := range i.History {
		c.History[n] = t.clone()
	}
	if i.LastDecision != nil {
		d := i.LastDecision.Clone()
		c.LastDecision = &d
	}
	return &c
}

func (t Transition) clone() Transition {
	if t.Decision != nil {
		d := t.Decision.Clone()
		t.Decision = &d
	}
	if t.Outcome != nil {
		o := *t.Outcome
		if o.Error != nil {
			e := *o.Error
			o.Error = &e
		}
		t.Outcome = &o
	}
	return t
}

// AttemptRecord summarizes one remediation attempt for the agent request.
type AttemptRecord struct {
	Attempt    int            `json:"attempt"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Confidence float64        `json:"confidence"`
	Outcome    *Outcome       `json:"outcome,omitempty"`
}

// Attempts derives the remediation attempts from the history and returns
// at most the last window of them. A window <= 0 returns all attempts.
func (i *Incident) Attempts(window int) []AttemptRecord {
	var records []AttemptRecord
	for _, t := range i.History {
		if t.To == StatusRemediating {
			rec := AttemptRecord{Attempt: len(records) + 1}
			d := i.LastDecision
			if t.Decision != nil {
				d = t.Decision
			}
			if d != nil {
				rec.Action = d.ActionName
				rec.Parameters = cloneMap(d.Parameters)
				rec.Confidence = d.Confidence
			}
			records = append(records, rec)
			continue
		}
		if t.Outcome != nil && len(records) > 0 {
			o := *t.Outcome
			records[len(records)-1].Outcome = &o
		}
	}
	if window > 0 && len(records) > window {
		records = records[len(records)-window:]
	}
	return records
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
