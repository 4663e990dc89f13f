package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/models"
)

const defaultRequestsPerMinute = 60

// RateLimiter enforces a fixed per-minute request window per API key,
// counted in Redis so limits hold across gateway replicas.
type RateLimiter struct {
	cache  *cache.Cache
	logger *zap.Logger
}

func NewRateLimiter(cacheClient *cache.Cache, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{cache: cacheClient, logger: logger}
}

// Allow reports whether the key may make another request this minute.
// With no cache configured the limiter is disabled.
func (rl *RateLimiter) Allow(ctx context.Context, key *models.APIKey) (bool, error) {
	if rl.cache == nil {
		return true, nil
	}

	now := time.Now()
	minuteKey := fmt.Sprintf("ratelimit:key:%s:minute:%s", key.Key, now.Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, err
	}
	if count == 1 {
		// 65s so a window straddling request can't leak a stale counter
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			rl.logger.Debug("failed to set rate limit expiry", zap.Error(err))
		}
	}

	limit := int64(key.RateLimitRequestsPerMin)
	if limit == 0 {
		limit = defaultRequestsPerMinute
	}

	if count > limit {
		rl.logger.Warn("rate limit exceeded",
			zap.String("account_id", key.AccountID.String()),
			zap.Int64("count", count),
			zap.Int64("limit", limit),
		)
		return false, nil
	}
	return true, nil
}
