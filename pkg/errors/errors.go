// Package errors provides the coded error type shared by every selfheal
// package. Each error carries a machine-readable [Code] whose category
// prefix drives three decisions made elsewhere in the engine:
//
//   - whether a failed external call may be retried ([IsRetryable])
//   - whether an action outcome is ambiguous ([IsAmbiguous])
//   - whether an incident must be moved to FAILED ([IsInvariant])
//
// # Categories
//
//	VAL      rejected input (malformed event, bad action parameters)
//	AUTH     missing or invalid operator/approval token
//	AUTHZ    operator lacks the role for the requested operation
//	NF       incident, action, source or approval does not exist
//	CONF     conflicting state (lease held, duplicate event, version mismatch)
//	INT      unexpected internal failure
//	INV      invariant violation or corrupted persisted record
//	UNAVAIL  dependency unreachable before the request was accepted
//	TIMEOUT  operation exceeded its deadline; side effects are unknown
//
// # Usage
//
//	err := errors.Newf(errors.CodeUnknownAction, "catalog: action %q is not registered", name)
//
//	if errors.IsConflict(err) {
//	    // another writer owns the incident
//	}
//
// The package is imported under the alias sserr throughout the module to
// avoid shadowing the standard library.
package errors
