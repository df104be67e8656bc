package intake

import (
	"context"
	"sync"
	"time"
)

// LocalClaims is an in-process Claims for single-node deployments and
// tests.
type LocalClaims struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[string]localClaim
}

type localClaim struct {
	holder  string
	expires time.Time
}

var _ Claims = (*LocalClaims)(nil)

// NewLocalClaims returns an empty claim table.
func NewLocalClaims() *LocalClaims {
	return &LocalClaims{now: time.Now, claims: make(map[string]localClaim)}
}

// Claim implements Claims.
func (l *LocalClaims) Claim(_ context.Context, sourceRef, incidentID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if c, ok := l.claims[sourceRef]; ok && now.Before(c.expires) {
		return c.holder, nil
	}
	l.claims[sourceRef] = localClaim{holder: incidentID, expires: now.Add(ttl)}
	return incidentID, nil
}

// Replace implements Claims.
func (l *LocalClaims) Replace(_ context.Context, sourceRef, oldID, newID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[sourceRef]
	if !ok || c.holder != oldID {
		return false, nil
	}
	l.claims[sourceRef] = localClaim{holder: newID, expires: l.now().Add(ttl)}
	return true, nil
}

// Release implements Claims.
func (l *LocalClaims) Release(_ context.Context, sourceRef, incidentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.claims[sourceRef]; ok && c.holder == incidentID {
		delete(l.claims, sourceRef)
	}
	return nil
}
