package spawn

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/config"
)

// Limiter is a Redis-backed sliding-window spawn limiter keyed by
// (user, organization). Bookkeeping is record-after-success: an entry is
// written only once the spawned agent actually ran.
type Limiter struct {
	client *circuitbreaker.RedisWrapper
	max    int
	window time.Duration
	logger *zap.Logger
}

// NewLimiter builds a limiter from spawn config.
func NewLimiter(client *circuitbreaker.RedisWrapper, cfg config.SpawnConfig, logger *zap.Logger) *Limiter {
	max := cfg.MaxSpawnsPerWindow
	if max <= 0 {
		max = 10
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, max: max, window: window, logger: logger}
}

func (l *Limiter) key(userID, orgID string) string {
	return fmt.Sprintf("spawns:%s:%s", orgID, userID)
}

// Allow reports whether another spawn fits in the current window, and
// when it does not, how long until the oldest entry slides out. Redis
// trouble fails open: a broken limiter must not take spawning down.
func (l *Limiter) Allow(ctx context.Context, userID, orgID string) (bool, time.Duration) {
	key := l.key(userID, orgID)
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10)

	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		l.logger.Warn("Spawn limiter trim failed, allowing", zap.Error(err))
		return true, 0
	}
	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		l.logger.Warn("Spawn limiter count failed, allowing", zap.Error(err))
		return true, 0
	}
	if int(count) < l.max {
		return true, 0
	}

	retryAfter := l.window
	oldest, err := l.client.GetClient().ZRangeWithScores(ctx, key, 0, 0).Result()
	if err == nil && len(oldest) == 1 {
		oldestAt := time.UnixMilli(int64(oldest[0].Score))
		if until := time.Until(oldestAt.Add(l.window)); until > 0 {
			retryAfter = until
		}
	}
	return false, retryAfter
}

// Record books one successful spawn into the window.
func (l *Limiter) Record(ctx context.Context, userID, orgID, executionID string) {
	key := l.key(userID, orgID)
	now := time.Now()
	member := redis.Z{Score: float64(now.UnixMilli()), Member: executionID}
	if err := l.client.ZAdd(ctx, key, member).Err(); err != nil {
		l.logger.Warn("Spawn limiter record failed", zap.Error(err))
		return
	}
	l.client.Expire(ctx, key, l.window)
}
