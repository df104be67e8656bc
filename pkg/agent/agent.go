// Package agent is the gateway to the reasoning agent that diagnoses an
// incident and proposes a remediation.
//
// A [Backend] performs one call. [Gateway] wraps it with the per-call
// timeout, response schema checks and bounded retries of transport
// failures, and turns every failure into an "unknown" [Diagnosis]. The
// engine never sees a gateway error: it either gets a validated decision
// or a reason why there is none.
package agent

import (
	"context"

	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/incident"
)

// Request is the context sent to the agent.
type Request struct {
	IncidentID  string                   `json:"incident_id"`
	SourceRef   string                   `json:"source_ref"`
	ErrorDetail map[string]any           `json:"error_detail"`
	History     []incident.AttemptRecord `json:"history"`
	Actions     []catalog.Descriptor     `json:"actions,omitempty"`
}

// Backend performs one agent call. A nil decision with a nil error means
// the agent declined to propose an action.
type Backend interface {
	Decide(ctx context.Context, req Request) (*incident.Decision, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (*incident.Decision, error)

// Decide implements Backend.
func (f BackendFunc) Decide(ctx context.Context, req Request) (*incident.Decision, error) {
	return f(ctx, req)
}

// Diagnoser is what the engine depends on. *Gateway implements it.
type Diagnoser interface {
	Diagnose(ctx context.Context, req Request) Diagnosis
}

// Diagnosis is the gateway's answer. Decision is nil when the agent gave
// no usable decision; Reason then says why.
type Diagnosis struct {
	Decision *incident.Decision
	Reason   string
	Attempts int
}

// OK reports whether a decision is present.
func (d Diagnosis) OK() bool {
	return d.Decision != nil
}
