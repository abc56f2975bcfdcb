package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisChecker pings Redis through the circuit-breaker wrapper.
type RedisChecker struct {
	client  redis.UniversalClient
	wrapper *circuitbreaker.RedisWrapper
}

func NewRedisChecker(client redis.UniversalClient, wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{client: client, wrapper: wrapper}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return true }
func (r *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Critical: true, Timestamp: start}

	if r.wrapper != nil && r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "redis circuit breaker is open"
		result.Duration = time.Since(start)
		return result
	}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "redis ping failed"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "redis responding with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "redis healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// Pinger is satisfied by the database client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker pings PostgreSQL.
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return 5 * time.Second }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: start}

	err := d.db.Ping(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "database ping failed"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "database responding with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "database healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms": result.Duration.Milliseconds(),
	}
	return result
}

// BreakerChecker reports the state of a named circuit breaker, for
// example a tool provider's. Open breakers degrade the service rather
// than failing it, since other providers stay usable.
type BreakerChecker struct {
	name  string
	state func() circuitbreaker.State
}

func NewBreakerChecker(name string, state func() circuitbreaker.State) *BreakerChecker {
	return &BreakerChecker{name: name, state: state}
}

func (b *BreakerChecker) Name() string           { return b.name }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: b.name, Timestamp: start}

	state := b.state()
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"breaker_state": state.String()}

	switch state {
	case circuitbreaker.StateOpen:
		result.Status = StatusDegraded
		result.Message = "circuit breaker open"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit breaker half-open"
	default:
		result.Status = StatusHealthy
		result.Message = "circuit breaker closed"
	}
	return result
}
