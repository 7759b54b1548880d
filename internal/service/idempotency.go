package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// IdempotencyGuard remembers request keys in Redis so that retried order
// creations and redelivered webhooks are handled once.
type IdempotencyGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyGuard{rdb: rdb, ttl: ttl}
}

// Claim reports whether key is seen for the first time. A nil guard or an
// empty key always claims.
func (g *IdempotencyGuard) Claim(ctx context.Context, key string) (bool, error) {
	if g == nil || g.rdb == nil || key == "" {
		return true, nil
	}
	redisKey := fmt.Sprintf("idempotent-key:%s", key)
	ok, err := g.rdb.SetNX(ctx, redisKey, "exists", g.ttl).Result()
	if err != nil {
		logger.Error().Err(err).Msgf("Error claiming idempotency key %s", key)
		return false, err
	}
	return ok, nil
}

// Release forgets key, letting a failed request be retried.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) {
	if g == nil || g.rdb == nil || key == "" {
		return
	}
	if err := g.rdb.Del(ctx, fmt.Sprintf("idempotent-key:%s", key)).Err(); err != nil {
		logger.Error().Err(err).Msgf("Error releasing idempotency key %s", key)
	}
}
