// Package ratelimit accounts confirmed sends per (sender, calendar date,
// hour-of-day) bucket. Buckets are wall-clock aligned, not sliding, and a
// counter only moves on Commit, so deferred or failed attempts never
// consume quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sendflow:ratelimit:"

// incrWithExpiryScript bumps the bucket counter and (re)arms its TTL in a
// single round trip. Plain INCR-then-EXPIRE would leak a counter without a
// TTL if the process died between the two calls.
// Input: ARGV[1]=ttl seconds. Output: new count.
var incrWithExpiryScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
return count
`)

// Limiter is the quota contract the dispatcher consumes.
type Limiter interface {
	// Check reports whether one more send fits under limit for the sender's
	// current bucket, along with the bucket's current count.
	Check(ctx context.Context, senderID string, limit int, now time.Time) (bool, int64, error)
	// Commit consumes one unit of quota. Call only after confirmed delivery.
	Commit(ctx context.Context, senderID string, now time.Time) error
}

// BucketKey builds the counter key for a sender at time t.
// Layout: sendflow:ratelimit:{sender}:{YYYY-MM-DD}:{hour}.
func BucketKey(senderID string, t time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, senderID, t.Format("2006-01-02"), t.Hour())
}

// NextHourBoundary returns the exact start of the wall-clock hour after t
// (:00:00 in t's location), which is where a deferred job gets rescheduled
// to. Truncate would round on absolute hours and miss the boundary in
// zones with a fractional offset.
func NextHourBoundary(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
}

type RedisLimiter struct {
	rdb       *redis.Client
	bucketTTL time.Duration
}

func NewRedisLimiter(rdb *redis.Client, bucketTTL time.Duration) *RedisLimiter {
	if bucketTTL <= 0 {
		// Safety expiry: a bucket is only live for its own hour, keep it
		// around one more to bound growth.
		bucketTTL = 2 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, bucketTTL: bucketTTL}
}

func (l *RedisLimiter) Check(ctx context.Context, senderID string, limit int, now time.Time) (bool, int64, error) {
	count, err := l.rdb.Get(ctx, BucketKey(senderID, now)).Int64()
	if err == redis.Nil {
		count = 0
	} else if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	return count < int64(limit), count, nil
}

func (l *RedisLimiter) Commit(ctx context.Context, senderID string, now time.Time) error {
	ttl := int64(l.bucketTTL / time.Second)
	err := incrWithExpiryScript.Run(ctx, l.rdb, []string{BucketKey(senderID, now)}, ttl).Err()
	if err != nil {
		return fmt.Errorf("rate limit commit: %w", err)
	}
	return nil
}
