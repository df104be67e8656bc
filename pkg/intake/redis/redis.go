// Package redis implements intake.Claims on Redis so several selfheal
// processes deduplicate against one another. A claim is a key holding the
// owning incident id, set with SET NX PX.
package redis

import (
	"context"
	"strconv"
	"time"

	redisclient "github.com/StricklySoft/selfheal/pkg/clients/redis"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/intake"
)

const replaceScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
end
return 0`

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`

// claimRounds bounds Claim when the key keeps expiring between SETNX and
// GET.
const claimRounds = 3

// Claims implements intake.Claims.
type Claims struct {
	client *redisclient.Client
	prefix string
}

var _ intake.Claims = (*Claims)(nil)

// New returns claims stored under prefix.
func New(client *redisclient.Client, prefix string) *Claims {
	return &Claims{client: client, prefix: prefix}
}

// Claim implements intake.Claims.
func (c *Claims) Claim(ctx context.Context, sourceRef, incidentID string, ttl time.Duration) (string, error) {
	key := c.prefix + sourceRef
	for i := 0; i < claimRounds; i++ {
		ok, err := c.client.SetNX(ctx, key, incidentID, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return incidentID, nil
		}
		holder, found, err := c.client.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if found {
			return holder, nil
		}
	}
	return "", sserr.Newf(sserr.CodeConflict, "intake: dedup claim for %q kept changing", sourceRef)
}

// Replace implements intake.Claims.
func (c *Claims) Replace(ctx context.Context, sourceRef, oldID, newID string, ttl time.Duration) (bool, error) {
	n, err := c.client.EvalInt(ctx, "dedup-replace", replaceScript, []string{c.prefix + sourceRef},
		oldID, newID, strconv.FormatInt(ttl.Milliseconds(), 10))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release implements intake.Claims.
func (c *Claims) Release(ctx context.Context, sourceRef, incidentID string) error {
	_, err := c.client.EvalInt(ctx, "dedup-release", releaseScript, []string{c.prefix + sourceRef}, incidentID)
	return err
}
