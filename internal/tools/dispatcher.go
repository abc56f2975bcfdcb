package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/connections"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/tracing"
)

// CallOptions tune one dispatch.
type CallOptions struct {
	SkipCache bool
	CacheTTL  time.Duration // 0 uses the configured default
}

// TokenSource keeps connection tokens usable; the connections.Refresher
// satisfies it.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, conn *connections.Connection) (string, error)
}

// ConnectionSource resolves tenant connections; the connections.Store
// satisfies it.
type ConnectionSource interface {
	Get(ctx context.Context, orgID, provider string) (*connections.Connection, error)
}

// Dispatcher routes tool calls: name resolution, tenancy validation,
// result cache, token freshness, per-provider circuit breaker, metrics
// and tracing.
type Dispatcher struct {
	registry *Registry
	conns    ConnectionSource
	tokens   TokenSource
	cache    *circuitbreaker.RedisWrapper // nil disables caching
	pool     *ClientPool
	cfg      config.ToolsConfig
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func NewDispatcher(
	registry *Registry,
	conns ConnectionSource,
	tokens TokenSource,
	cache *circuitbreaker.RedisWrapper,
	cfg config.ToolsConfig,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		conns:    conns,
		tokens:   tokens,
		cache:    cache,
		pool:     NewClientPool(cfg.ClientPoolSize),
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Execute dispatches one tool call on behalf of a tenant user.
func (d *Dispatcher) Execute(ctx context.Context, fullName string, args map[string]interface{}, orgID, userID string, opts CallOptions) (interface{}, error) {
	provider, desc, err := d.registry.Resolve(fullName)
	if err != nil {
		return nil, err
	}

	conn, err := d.conns.Get(ctx, orgID, desc.ProviderID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartToolSpan(ctx, desc.ProviderID, desc.ToolName, orgID, conn.ID, userID)
	defer span.End()

	key := cacheKey(desc, args, orgID)
	if d.cache != nil && !opts.SkipCache {
		if cached, err := d.cache.Get(ctx, key).Result(); err == nil {
			var result interface{}
			if err := json.Unmarshal([]byte(cached), &result); err == nil {
				metrics.ToolCacheHits.WithLabelValues(desc.ProviderID, desc.ToolName).Inc()
				return result, nil
			}
		}
	}

	if err := d.pool.Acquire(desc.ProviderID, orgID); err != nil {
		return nil, err
	}
	defer d.pool.Release(desc.ProviderID, orgID)

	token, err := d.tokens.EnsureFreshToken(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("ensure fresh token for %s: %w", desc.ProviderID, err)
	}

	var result interface{}
	start := time.Now()
	err = d.breaker(desc.ProviderID).Execute(ctx, func(ctx context.Context) error {
		res, err := provider.ExecuteTool(ctx, Call{
			Token:          token,
			Tool:           desc.ToolName,
			Args:           args,
			OrganizationID: orgID,
			UserID:         userID,
			Connection:     conn,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	metrics.RecordToolMetrics(desc.ProviderID, desc.ToolName, err == nil, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}

	if d.cache != nil && !opts.SkipCache {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = d.cfg.CacheTTL
		}
		if ttl > 0 {
			if payload, err := json.Marshal(result); err == nil {
				if err := d.cache.Set(ctx, key, payload, ttl).Err(); err != nil {
					d.logger.Warn("Tool cache write failed",
						zap.String("tool", desc.FullName),
						zap.Error(err))
				}
			}
		}
	}
	return result, nil
}

// BreakerState exposes the current breaker state for one provider, for
// health reporting.
func (d *Dispatcher) BreakerState(providerID string) circuitbreaker.State {
	return d.breaker(providerID).State()
}

func (d *Dispatcher) breaker(providerID string) *circuitbreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[providerID]
	if !ok {
		cb = circuitbreaker.NewCircuitBreaker("tool-"+providerID, circuitbreaker.DefaultConfig(), d.logger)
		d.breakers[providerID] = cb
	}
	return cb
}

// cacheKey hashes (provider, tool, normalized args, org). json.Marshal
// emits map keys in sorted order, which is the normalization.
func cacheKey(desc Descriptor, args map[string]interface{}, orgID string) string {
	payload, _ := json.Marshal(args)
	sum := sha256.Sum256([]byte(desc.ProviderID + "\x00" + desc.ToolName + "\x00" + orgID + "\x00" + string(payload)))
	return "toolcache:" + hex.EncodeToString(sum[:])
}
