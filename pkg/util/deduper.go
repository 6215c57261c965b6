package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper remembers operation keys in Redis so retried requests and
// redelivered messages are applied once.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce returns true the first time it sees (scope, key) within the
// TTL and false for duplicates. When Redis is unavailable it returns true:
// the escrow rules still reject anything that would break an invariant.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, key string) bool {
	dedupKey := FormatDedupKey(scope, key)

	ok, err := d.rdb.SetNX(ctx, dedupKey, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated operation",
			zap.String("scope", scope),
			zap.String("dedup_key", dedupKey),
		)
	}
	return ok
}

// Release forgets (scope, key) so the operation may be retried, used when
// the first attempt failed for a retryable reason.
func (d *Deduper) Release(ctx context.Context, scope, key string) {
	if err := d.rdb.Del(ctx, FormatDedupKey(scope, key)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func FormatDedupKey(scope, key string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, key)
}
