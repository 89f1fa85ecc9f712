package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/peerpush/chally-core/internal/model"
)

// DailyCapCache is a fast, approximate running total of a user's
// same-UTC-day deposits. internal/ledger.SumSince stays the authoritative
// source for every decision that actually moves money; this exists only
// to spare the common BeginDeposit call a full ledger scan. A cache miss
// or a Redis error always falls back to the ledger, never to a rejection.
type DailyCapCache interface {
	// Get returns the cached running total for userID's UTC day, and
	// whether the value was present. ok is false on a miss or any error.
	Get(ctx context.Context, userID uuid.UUID, day time.Time) (total model.Tokens, ok bool)
	// Add increments the cached running total for userID's UTC day by
	// delta, creating the key with a same-day expiry if absent. Errors
	// are swallowed: a failed Add only means the next BeginDeposit falls
	// back to the ledger, which is always correct, just slower.
	Add(ctx context.Context, userID uuid.UUID, day time.Time, delta model.Tokens)
}

// RedisDailyCapCache implements DailyCapCache on a Redis INCRBY counter
// keyed per user per UTC day, mirroring internal/store/rediscache's
// read-through-with-invalidation shape.
type RedisDailyCapCache struct {
	rdb *redis.Client
}

// NewRedisDailyCapCache returns a DailyCapCache backed by rdb.
func NewRedisDailyCapCache(rdb *redis.Client) *RedisDailyCapCache {
	return &RedisDailyCapCache{rdb: rdb}
}

func dailyCapKey(userID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("depositcap:%s:%s", userID, day.UTC().Format("2006-01-02"))
}

func nextUTCMidnight(day time.Time) time.Time {
	u := day.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func (c *RedisDailyCapCache) Get(ctx context.Context, userID uuid.UUID, day time.Time) (model.Tokens, bool) {
	total, err := c.rdb.Get(ctx, dailyCapKey(userID, day)).Int64()
	if err != nil {
		return 0, false
	}
	return model.Tokens(total), true
}

func (c *RedisDailyCapCache) Add(ctx context.Context, userID uuid.UUID, day time.Time, delta model.Tokens) {
	key := dailyCapKey(userID, day)
	c.rdb.IncrBy(ctx, key, int64(delta))
	c.rdb.ExpireAt(ctx, key, nextUTCMidnight(day))
}

var _ DailyCapCache = (*RedisDailyCapCache)(nil)
