package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache keeps settled outcomes in Redis so the hot path of a redelivery
// storm does not hammer Postgres. It is strictly advisory: a miss, a stale
// entry or a Redis outage falls through to the authoritative unique insert.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(consumer, eventID string) string {
	return fmt.Sprintf("idem:%s:%s", consumer, eventID)
}

// Settled reports whether the event is known to have a settled outcome.
// Only a positive hit is meaningful.
func (c *Cache) Settled(ctx context.Context, consumer, eventID string) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	outcome, err := c.rdb.Get(ctx, cacheKey(consumer, eventID)).Result()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("idempotency cache lookup failed",
				zap.String("consumer", consumer),
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return false
	}
	return outcome == OutcomeSuccess || outcome == OutcomeDeadLettered
}

// MarkSettled records a settled outcome. Failures are logged and dropped;
// the Postgres row remains the source of truth.
func (c *Cache) MarkSettled(ctx context.Context, consumer, eventID, outcome string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(consumer, eventID), outcome, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("idempotency cache write failed",
			zap.String("consumer", consumer),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}
