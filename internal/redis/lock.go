package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/campus-dispatch/internal/domain"
)

func lockKey(taskID string) string { return "dispatch:lock:" + taskID }

// ReleaseFunc gives a held lock back. Releasing an expired or stolen lock is
// a no-op.
type ReleaseFunc func(ctx context.Context) error

// TaskLocker serializes evaluate+persist for one task across processes.
type TaskLocker interface {
	// Acquire returns LockUnavailableError when another holder owns the task.
	Acquire(ctx context.Context, taskID string) (ReleaseFunc, error)
}

type taskLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTaskLocker returns a SET NX PX lock whose TTL bounds how long a crashed
// holder can block a task.
func NewTaskLocker(client *redis.Client, ttl time.Duration) TaskLocker {
	return &taskLocker{client: client, ttl: ttl}
}

func (l *taskLocker) Acquire(ctx context.Context, taskID string) (ReleaseFunc, error) {
	key := lockKey(taskID)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, &domain.LockUnavailableError{TaskID: taskID, TTL: l.ttl}
	}

	return func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis unlock %s: %w", key, err)
		}
		return nil
	}, nil
}
