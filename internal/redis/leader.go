package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderElector decides which scheduler instance runs the sweep.
type LeaderElector interface {
	// AcquireOrRenew returns true if this instance holds leadership after the call.
	AcquireOrRenew(ctx context.Context) bool
}

type leaderElector struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewLeaderElector returns a SETNX-based elector. Leadership lapses after ttl
// unless renewed, so ttl must exceed the sweep interval.
func NewLeaderElector(client *redis.Client, key, instanceID string, ttl time.Duration, logger *slog.Logger) LeaderElector {
	return &leaderElector{client: client, key: key, instanceID: instanceID, ttl: ttl, logger: logger}
}

func (l *leaderElector) AcquireOrRenew(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired scheduler leadership", slog.String("instance_id", l.instanceID))
		return true
	}

	// Already set: renew only if we own it.
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
