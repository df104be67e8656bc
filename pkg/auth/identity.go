// Package auth authenticates operators of the selfheal HTTP API and
// decides what they may do.
//
// Operators present HS256 bearer tokens signed with the daemon's operator
// key. A token names a subject and a set of roles; each role grants a
// fixed set of permissions:
//
//   - viewer: read incidents and their history.
//   - operator: viewer, plus trigger and cancel incidents.
//   - approver: viewer, plus approve or reject pending remediations.
//   - admin: everything, including pausing intake.
//
// Approval tokens sent to approvers are a separate mechanism owned by
// package approval; holding one is enough to answer that one request.
package auth

// Permission names one API capability.
type Permission string

const (
	PermReadIncidents    Permission = "incidents:read"
	PermTriggerIncidents Permission = "incidents:trigger"
	PermCancelIncidents  Permission = "incidents:cancel"
	PermResolveApprovals Permission = "approvals:resolve"

	// PermManageService pauses and resumes intake.
	PermManageService Permission = "service:manage"
)

// Identity is an authenticated caller.
type Identity struct {
	Subject string
	Roles   []Role
}

// Can reports whether any of the identity's roles grants p.
func (i Identity) Can(p Permission) bool {
	for _, r := range i.Roles {
		if r.Grants(p) {
			return true
		}
	}
	return false
}

// Actor is the name recorded on transitions the identity causes.
func (i Identity) Actor() string {
	return i.Subject
}
