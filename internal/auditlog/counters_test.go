package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCounters(t *testing.T) (*Counters, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCounters(client), mr
}

func TestCountersRoundTrip(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.RecordSend(ctx, "smtp-1")
	}
	c.RecordFailure(ctx, "smtp-1")
	c.RecordSend(ctx, "smtp-2")

	if got := c.SentToday(ctx, "smtp-1"); got != 3 {
		t.Errorf("sent = %d, want 3", got)
	}
	if got := c.FailedToday(ctx, "smtp-1"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := c.SentToday(ctx, "smtp-2"); got != 1 {
		t.Errorf("sent = %d, want 1", got)
	}
	if got := c.SentToday(ctx, "never-used"); got != 0 {
		t.Errorf("unknown provider sent = %d, want 0", got)
	}
}

func TestCountersRollOverByDay(t *testing.T) {
	c, _ := newTestCounters(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return day })
	c.RecordSend(ctx, "smtp-1")
	if got := c.SentToday(ctx, "smtp-1"); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}

	// Yesterday's tally is invisible the next UTC day.
	day = day.Add(2 * time.Hour)
	if got := c.SentToday(ctx, "smtp-1"); got != 0 {
		t.Errorf("sent after rollover = %d, want 0", got)
	}
}

func TestCountersKeysCarryTTL(t *testing.T) {
	c, mr := newTestCounters(t)
	c.RecordSend(context.Background(), "smtp-1")

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want one", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > 48*time.Hour {
		t.Errorf("ttl = %v, want within 48h", ttl)
	}
}

func TestCountersNilRedisIsNoop(t *testing.T) {
	c := NewCounters(nil)
	ctx := context.Background()
	c.RecordSend(ctx, "smtp-1")
	c.RecordFailure(ctx, "smtp-1")
	if got := c.SentToday(ctx, "smtp-1"); got != 0 {
		t.Errorf("sent = %d, want 0 without redis", got)
	}
	if got := c.FailedToday(ctx, "smtp-1"); got != 0 {
		t.Errorf("failed = %d, want 0 without redis", got)
	}
}

func TestCountersUnreachableRedisReturnsZero(t *testing.T) {
	c, mr := newTestCounters(t)
	ctx := context.Background()
	c.RecordSend(ctx, "smtp-1")
	mr.Close()

	// An unreachable counter store must not block the selector.
	if got := c.SentToday(ctx, "smtp-1"); got != 0 {
		t.Errorf("sent = %d, want 0 when redis is down", got)
	}
}
