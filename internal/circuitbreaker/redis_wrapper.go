package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker. When the breaker
// rejects a command the returned Cmd carries the breaker error so callers keep
// their usual redis error handling.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	config := RedisSettings().ToConfig()
	cb := NewCircuitBreaker("redis", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)

	return &RedisWrapper{
		client:  client,
		cb:      cb,
		service: service,
		logger:  logger,
	}
}

func (rw *RedisWrapper) record(err error, ok bool) {
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), err == nil && ok)
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get with circuit breaker. A redis.Nil miss is not a failure.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil || result.Err() == redis.Nil)

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Incr wraps Redis Incr with circuit breaker
func (rw *RedisWrapper) Incr(ctx context.Context, key string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Incr(ctx, key)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Expire wraps Redis Expire with circuit breaker
func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Expire(ctx, key, expiration)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Keys wraps Redis Keys with circuit breaker
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// ZAdd wraps Redis ZAdd with circuit breaker
func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.ZAdd(ctx, key, members...)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// ZRemRangeByScore wraps Redis ZRemRangeByScore with circuit breaker
func (rw *RedisWrapper) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.ZRemRangeByScore(ctx, key, min, max)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// ZCard wraps Redis ZCard with circuit breaker
func (rw *RedisWrapper) ZCard(ctx context.Context, key string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		result = rw.client.ZCard(ctx, key)
		return result.Err()
	})

	rw.record(err, result == nil || result.Err() == nil)

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by the wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
