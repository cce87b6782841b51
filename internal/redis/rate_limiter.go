package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies requests using a sliding-window count in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter. limit is
// the maximum number of events per window for a given key; keys are
// namespaced under prefix.
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records one event for key and reports whether the window still holds
// at most limit events. Timestamps live in a sorted set per key.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := r.prefix + ":" + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Two requests in the same nanosecond must still count twice.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: uuid.NewString()})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", rkey, err)
	}

	return countCmd.Val() <= int64(r.limit), nil
}
