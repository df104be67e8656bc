// Package memory is an in-process store. Records are deep-copied on the
// way in and out so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/store"
)

// Store implements store.Store. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
	ledger    map[string]map[string]*incident.LedgerEntry
	approvals map[string]*incident.ApprovalRequest
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		ledger:    make(map[string]map[string]*incident.LedgerEntry),
		approvals: make(map[string]*incident.ApprovalRequest),
	}
}

// Create implements store.Incidents.
func (s *Store) Create(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.incidents[inc.ID]; exists {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "memory: incident %s already exists", inc.ID)
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// Get implements store.Incidents.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundIncident, "memory: incident %s not found", id)
	}
	if err := inc.Validate(); err != nil {
		return nil, err
	}
	return inc.Clone(), nil
}

// Commit implements store.Incidents.
func (s *Store) Commit(_ context.Context, inc *incident.Incident, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[inc.ID]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundIncident, "memory: incident %s not found", inc.ID)
	}
	if err := store.CheckAppend(inc.ID, cur.Version(), expectedVersion, inc); err != nil {
		return err
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// ForceFail implements store.Incidents.
func (s *Store) ForceFail(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[id]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundIncident, "memory: incident %s not found", id)
	}
	if cur.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	cur.History = append(cur.History, store.ForceFailTransition(len(cur.History)+1, cur.Status, reason, now))
	cur.Status = incident.StatusFailed
	cur.UpdatedAt = now
	return nil
}

// ListActive implements store.Incidents.
func (s *Store) ListActive(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, inc := range s.incidents {
		if !inc.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// List implements store.Incidents.
func (s *Store) List(_ context.Context, f store.Filter) ([]*incident.Incident, error) {
	s.mu.RLock()
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if f.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetEntry implements store.Ledger.
func (s *Store) GetEntry(_ context.Context, incidentID, key string) (*incident.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ledger[incidentID][key]
	if !ok {
		return nil, sserr.NotFoundf("memory: no ledger entry %s for incident %s", key, incidentID)
	}
	return e.Clone(), nil
}

// PutEntry implements store.Ledger.
func (s *Store) PutEntry(_ context.Context, e *incident.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger[e.IncidentID]
	if entries == nil {
		entries = make(map[string]*incident.LedgerEntry)
		s.ledger[e.IncidentID] = entries
	}
	if err := store.ReplaceEntry(entries[e.Key], e); err != nil {
		return err
	}
	entries[e.Key] = e.Clone()
	return nil
}

// ListEntries implements store.Ledger.
func (s *Store) ListEntries(_ context.Context, incidentID string) ([]*incident.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.LedgerEntry, 0, len(s.ledger[incidentID]))
	for _, e := range s.ledger[incidentID] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateApproval implements store.Approvals.
func (s *Store) CreateApproval(_ context.Context, r *incident.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.approvals {
		if existing.IncidentID == r.IncidentID && existing.Pending() {
			return sserr.Newf(sserr.CodeApprovalPending,
				"memory: incident %s already has pending approval %s", r.IncidentID, existing.ID)
		}
	}
	if _, exists := s.approvals[r.ID]; exists {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "memory: approval %s already exists", r.ID)
	}
	s.approvals[r.ID] = r.Clone()
	return nil
}

// GetApproval implements store.Approvals.
func (s *Store) GetApproval(_ context.Context, id string) (*incident.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, sserr.NotFoundf("memory: approval %s not found", id)
	}
	return r.Clone(), nil
}

// PendingApproval implements store.Approvals.
func (s *Store) PendingApproval(_ context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.approvals {
		if r.IncidentID == incidentID && r.Pending() {
			return r.Clone(), nil
		}
	}
	return nil, sserr.NotFoundf("memory: incident %s has no pending approval", incidentID)
}

// LatestApproval implements store.Approvals.
func (s *Store) LatestApproval(_ context.Context, incidentID string) (*incident.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *incident.ApprovalRequest
	for _, r := range s.approvals {
		if r.IncidentID != incidentID {
			continue
		}
		if latest == nil || r.RequestedAt.After(latest.RequestedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, sserr.NotFoundf("memory: incident %s has no approval requests", incidentID)
	}
	return latest.Clone(), nil
}

// ResolveApproval implements store.Approvals.
func (s *Store) ResolveApproval(_ context.Context, id string, state incident.ApprovalState, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return sserr.NotFoundf("memory: approval %s not found", id)
	}
	if !r.Pending() {
		return sserr.Newf(sserr.CodeApprovalNotPending, "memory: approval %s is already %s", id, r.State)
	}
	r.State = state
	r.Actor = actor
	r.ResolvedAt = &at
	return nil
}

// ListPendingApprovals implements store.Approvals.
func (s *Store) ListPendingApprovals(_ context.Context) ([]*incident.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.ApprovalRequest
	for _, r := range s.approvals {
		if r.Pending() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

// Health always succeeds.
func (s *Store) Health(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Corrupt replaces the stored record without validation. Tests use it to
// simulate a damaged record.
func (s *Store) Corrupt(id string, mutate func(*incident.Incident)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc, ok := s.incidents[id]; ok {
		mutate(inc)
	}
}
