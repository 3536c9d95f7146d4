package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counters keeps live per-provider sent/failed tallies in Redis, keyed
// by UTC day. They back the selector's daily limit checks and the
// dashboard's "today" numbers without scanning the log table. The audit
// log stays the source of truth; these are disposable counters with a
// short TTL.
type Counters struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewCounters creates the counter set. redisClient may be nil, in which
// case all reads return zero and writes are no-ops.
func NewCounters(redisClient *redis.Client) *Counters {
	return &Counters{
		redis:  redisClient,
		prefix: "relay:dist:",
		now:    time.Now,
	}
}

// SetClock overrides the time source, used by tests.
func (c *Counters) SetClock(now func() time.Time) { c.now = now }

func (c *Counters) key(providerID, kind string) string {
	day := c.now().UTC().Format("20060102")
	return fmt.Sprintf("%s%s:%s:%s", c.prefix, providerID, day, kind)
}

// RecordSend increments today's sent counter for the provider.
func (c *Counters) RecordSend(ctx context.Context, providerID string) {
	if c.redis == nil {
		return
	}
	key := c.key(providerID, "sent")
	pipe := c.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	pipe.Exec(ctx)
}

// RecordFailure increments today's failed counter for the provider.
func (c *Counters) RecordFailure(ctx context.Context, providerID string) {
	if c.redis == nil {
		return
	}
	key := c.key(providerID, "failed")
	pipe := c.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	pipe.Exec(ctx)
}

// SentToday returns the provider's accepted sends for the current UTC
// day. Zero on any Redis error: an unreachable counter store must not
// stop sending.
func (c *Counters) SentToday(ctx context.Context, providerID string) int64 {
	if c.redis == nil {
		return 0
	}
	n, err := c.redis.Get(ctx, c.key(providerID, "sent")).Int64()
	if err != nil {
		return 0
	}
	return n
}

// FailedToday returns the provider's failed attempts for the current
// UTC day.
func (c *Counters) FailedToday(ctx context.Context, providerID string) int64 {
	if c.redis == nil {
		return 0
	}
	n, err := c.redis.Get(ctx, c.key(providerID, "failed")).Int64()
	if err != nil {
		return 0
	}
	return n
}
