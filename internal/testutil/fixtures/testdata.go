// Package fixtures provides shared test data for the selfheal test suite.
//
// Using common constants for sources, keys and payloads keeps magic
// strings out of tests and keeps packages consistent with each other.
package fixtures

import (
	"time"

	"github.com/StricklySoft/selfheal/pkg/incident"
)

// Source refs used across intake, engine and API tests.
const (
	// SourcePattern registers every sales ETL job.
	SourcePattern = "sales-etl-*"

	// SourceRef is the default failing job.
	SourceRef = "sales-etl-03"

	// AltSourceRef is a second registered job for tests needing two.
	AltSourceRef = "sales-etl-07"

	// UnknownSourceRef matches no registered pattern.
	UnknownSourceRef = "billing-nightly"
)

// Signing material and token claims.
const (
	// SigningKey is long enough for both approval and operator tokens.
	SigningKey = "0123456789abcdef0123456789abcdef"

	// Issuer is the default token issuer.
	Issuer = "selfheal"

	// Audience is the default operator API audience.
	Audience = "selfheal-api"
)

// Job-state-change payloads as delivered by the event bus.
const (
	// GlueFailed opens an incident for SourceRef.
	GlueFailed = `{"source":"aws.glue","detail-type":"Glue Job State Change",` +
		`"detail":{"jobName":"sales-etl-03","jobRunId":"jr_2","state":"FAILED",` +
		`"message":"Column amount has type string, expected decimal"}}`

	// GlueSucceeded is acknowledged and ignored.
	GlueSucceeded = `{"detail":{"jobName":"sales-etl-03","jobRunId":"jr_1","state":"SUCCEEDED"}}`
)

// Event returns a job-failure event for source occurring now.
func Event(source string) incident.Event {
	return incident.Event{
		SourceRef:  source,
		Kind:       incident.KindJobFailure,
		Detail:     map[string]any{"error": "OOM in stage 3"},
		OccurredAt: time.Now().UTC(),
	}
}

// RestartDecision proposes restarting source with the given confidence.
func RestartDecision(source string, confidence float64) incident.Decision {
	return incident.Decision{
		ActionName: "restart-job",
		Parameters: map[string]any{"job_name": source},
		Confidence: confidence,
		Rationale:  "transient executor loss",
	}
}
