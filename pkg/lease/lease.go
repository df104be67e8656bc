// Package lease serializes work on one incident across workers. A lease is
// a time-bounded exclusive claim identified by a random token; only the
// holder of the token can extend or release it, and an expired lease can
// be taken over by another worker.
//
// Holders extend the lease while a step runs, so expiry only hands the
// incident over when the holder stopped. Store commits are version-checked
// as well, so a worker whose lease was lost fails its commit instead of
// reordering history.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Config configures lease managers.
type Config struct {
	// TTL is how long a lease survives a holder that stopped extending
	// it. Holders extend at a third of the TTL.
	TTL time.Duration `env:"TTL" envDefault:"5m" yaml:"ttl" validate:"gt=0"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"selfheal:lease:" yaml:"key_prefix"`
}

// Lease is a held claim.
type Lease interface {
	Key() string
	Token() string

	// Extend pushes the expiry a full TTL ahead. A lease that expired or
	// was taken over returns CodeLeaseLost.
	Extend(ctx context.Context) error

	// Release gives the lease up. Releasing a lease that expired and was
	// taken over is a no-op.
	Release(ctx context.Context) error
}

// Manager hands out leases.
type Manager interface {
	// TryAcquire claims key without waiting. A key held by someone else
	// returns CodeLeaseHeld.
	TryAcquire(ctx context.Context, key string) (Lease, error)

	// TTL is the lifetime of a lease that is not extended.
	TTL() time.Duration
}

// NewToken returns a random lease token.
func NewToken() string {
	return uuid.NewString()
}

// Held returns the error reported for a contended key.
func Held(key string) error {
	return sserr.Newf(sserr.CodeLeaseHeld, "lease: %s is held by another worker", key).WithDetail("key", key)
}

// Lost returns the error reported when an extension fails.
func Lost(key string) error {
	return sserr.Newf(sserr.CodeLeaseLost, "lease: %s expired or was taken over", key).WithDetail("key", key)
}

// Local is an in-process Manager.
type Local struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]claim
}

type claim struct {
	token   string
	expires time.Time
}

var _ Manager = (*Local)(nil)

// NewLocal returns an in-process manager whose leases expire after ttl.
func NewLocal(ttl time.Duration) *Local {
	return &Local{ttl: ttl, now: time.Now, claims: make(map[string]claim)}
}

// TryAcquire implements Manager.
func (l *Local) TryAcquire(_ context.Context, key string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if c, ok := l.claims[key]; ok && now.Before(c.expires) {
		return nil, Held(key)
	}
	tok := NewToken()
	l.claims[key] = claim{token: tok, expires: now.Add(l.ttl)}
	return &localLease{owner: l, key: key, token: tok}, nil
}

// TTL implements Manager.
func (l *Local) TTL() time.Duration { return l.ttl }

func (l *Local) extend(key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.claims[key]
	if !ok || c.token != token || !now.Before(c.expires) {
		return Lost(key)
	}
	c.expires = now.Add(l.ttl)
	l.claims[key] = c
	return nil
}

func (l *Local) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.claims[key]; ok && c.token == token {
		delete(l.claims, key)
	}
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Key() string   { return l.key }
func (l *localLease) Token() string { return l.token }

func (l *localLease) Extend(context.Context) error {
	return l.owner.extend(l.key, l.token)
}

func (l *localLease) Release(context.Context) error {
	l.owner.release(l.key, l.token)
	return nil
}
