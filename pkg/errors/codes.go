package errors

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once assigned; they appear in logs, transition reasons and API
// responses.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field or configuration
	// value is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a value has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside its accepted range.
	CodeValidationRange Code = "VAL_004"

	// CodeValidationParameters indicates action parameters do not conform
	// to the action's schema. No external call is made.
	CodeValidationParameters Code = "VAL_005"

	// CodeValidationQueryBlocked indicates a remediation query was rejected
	// by the SQL guardrail.
	CodeValidationQueryBlocked Code = "VAL_006"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token has expired.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the token is malformed or its
	// signature does not verify.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthorization indicates the operator lacks a required role.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundIncident indicates the incident does not exist.
	CodeNotFoundIncident Code = "NF_002"

	// CodeUnknownAction indicates the action name is not in the catalog.
	CodeUnknownAction Code = "NF_003"

	// CodeUnknownSource indicates the event references a job that is not
	// registered with intake.
	CodeUnknownSource Code = "NF_004"

	// CodeApprovalNotPending indicates no approval request is outstanding
	// for the token or incident.
	CodeApprovalNotPending Code = "NF_005"

	// CodeConflict indicates a general conflict.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates the record already exists.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeConflictVersionMismatch indicates an optimistic concurrency
	// check failed: another writer appended a transition first.
	CodeConflictVersionMismatch Code = "CONF_003"

	// CodeDuplicateEvent indicates a non-terminal incident already exists
	// for the source within the dedup window.
	CodeDuplicateEvent Code = "CONF_004"

	// CodeLeaseHeld indicates another worker holds the incident lease.
	CodeLeaseHeld Code = "CONF_005"

	// CodeApprovalPending indicates an approval request is already
	// outstanding for the incident.
	CodeApprovalPending Code = "CONF_006"

	// CodeIncidentTerminal indicates the incident is RESOLVED, ESCALATED
	// or FAILED and accepts no further mutation.
	CodeIncidentTerminal Code = "CONF_007"

	// CodeLeaseLost indicates a lease expired or was taken over before its
	// holder could extend it.
	CodeLeaseLost Code = "CONF_008"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a store operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeInvariantViolation indicates the state machine observed an
	// impossible state. The affected incident is moved to FAILED.
	CodeInvariantViolation Code = "INV_001"

	// CodeCorruptedRecord indicates a persisted record could not be
	// decoded or fails validation.
	CodeCorruptedRecord Code = "INV_002"

	// CodeUnavailable indicates a general unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependency could not be reached.
	// The request is known not to have been accepted.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a store operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to the agent or another
	// dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"

	// CodeAmbiguousOutcome indicates an action timed out and may or may not
	// have taken effect.
	CodeAmbiguousOutcome Code = "TIMEOUT_004"
)

// String returns the string form of the code.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore (e.g. "CONF").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
