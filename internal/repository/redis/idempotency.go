package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "codeexec:lock:"

	// lockTTL comfortably outlives the longest possible run (30s timeout
	// ceiling plus startup grace) while bounding how long a lock orphaned by
	// a crashed worker blocks the re-attempt of its execution.
	lockTTL = 2 * time.Minute
)

// IdempotencyStore is a distributed first-line dedup guard in front of the
// database CAS: a redelivered job whose first attempt is still in flight is
// skipped without touching the record.
type IdempotencyStore interface {
	// AcquireLock attempts to acquire an exclusive processing lock for an
	// execution. Returns true on first acquisition, false on duplicate.
	AcquireLock(ctx context.Context, executionID uuid.UUID) (bool, error)

	// ReleaseLock refreshes the lock TTL for eventual cleanup.
	ReleaseLock(ctx context.Context, executionID uuid.UUID) error

	// DeleteLock removes the lock so a deliberate requeue of the same
	// execution is not mistaken for a duplicate delivery.
	DeleteLock(ctx context.Context, executionID uuid.UUID) error
}

var _ IdempotencyStore = (*redisIdempotency)(nil)

type redisIdempotency struct {
	client *goredis.Client
}

// NewIdempotencyStore creates a Redis-backed idempotency store using SETNX.
func NewIdempotencyStore(client *goredis.Client) IdempotencyStore {
	return &redisIdempotency{client: client}
}

func (r *redisIdempotency) AcquireLock(ctx context.Context, executionID uuid.UUID) (bool, error) {
	key := lockKeyPrefix + executionID.String()
	ok, err := r.client.SetNX(ctx, key, time.Now().Unix(), lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire lock: %w", err)
	}
	return ok, nil
}

func (r *redisIdempotency) ReleaseLock(ctx context.Context, executionID uuid.UUID) error {
	key := lockKeyPrefix + executionID.String()
	return r.client.Expire(ctx, key, lockTTL).Err()
}

func (r *redisIdempotency) DeleteLock(ctx context.Context, executionID uuid.UUID) error {
	key := lockKeyPrefix + executionID.String()
	return r.client.Del(ctx, key).Err()
}
