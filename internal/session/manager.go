package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/metrics"
)

// Manager is the Redis-backed session store with a bounded local cache.
// Sessions are keyed per organization so one tenant can never read
// another's context.
type Manager struct {
	client     *circuitbreaker.RedisWrapper
	logger     *zap.Logger
	ttl        time.Duration
	cacheTTL   time.Duration
	maxHistory int

	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheLoaded map[string]time.Time
	maxCached   int
}

// NewManager connects to Redis and returns a session manager.
func NewManager(cfg config.RedisConfig, scfg config.SessionConfig, logger *zap.Logger) (*Manager, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(rc, "session", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewManagerWithClient(client, scfg, logger), nil
}

// NewManagerWithClient builds a manager on an existing wrapped client.
// Used by tests (miniredis) and by the runtime when the client is shared.
func NewManagerWithClient(client *circuitbreaker.RedisWrapper, scfg config.SessionConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		client:      client,
		logger:      logger,
		ttl:         scfg.TTL,
		cacheTTL:    scfg.CacheTTL,
		maxHistory:  scfg.MaxHistory,
		localCache:  make(map[string]*Session),
		cacheLoaded: make(map[string]time.Time),
		maxCached:   scfg.CacheSize,
	}
	if m.ttl <= 0 {
		m.ttl = 30 * 24 * time.Hour
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = 5 * time.Minute
	}
	if m.maxHistory <= 0 {
		m.maxHistory = 50
	}
	if m.maxCached <= 0 {
		m.maxCached = 1000
	}
	return m
}

// GetOrCreate returns the session, creating it when absent. A session ID
// owned by a different user is never reused; the caller gets a fresh
// session under the same ID space instead of the existing one.
func (m *Manager) GetOrCreate(ctx context.Context, orgID, userID, sessionID string) (*Session, error) {
	existing, err := m.Get(ctx, orgID, sessionID)
	if err == nil {
		if existing.UserID != userID {
			m.logger.Warn("Session ID reuse across users rejected",
				zap.String("session_id", sessionID),
				zap.String("requesting_user", userID),
				zap.String("owner", existing.UserID),
			)
			return nil, ErrNotFound
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:             sessionID,
		UserID:         userID,
		OrganizationID: orgID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cachePut(sess)
	metrics.SessionsCreated.Inc()
	m.logger.Info("Created session",
		zap.String("session_id", sessionID),
		zap.String("organization_id", orgID),
	)
	return sess, nil
}

// Get loads a session. The local cache answers reads until its entry is
// older than the cache TTL; after that Redis is consulted again so other
// processes' writes become visible.
func (m *Manager) Get(ctx context.Context, orgID, sessionID string) (*Session, error) {
	key := m.key(orgID, sessionID)

	m.mu.RLock()
	sess, ok := m.localCache[key]
	loaded := m.cacheLoaded[key]
	m.mu.RUnlock()
	if ok && time.Since(loaded) < m.cacheTTL {
		metrics.SessionCacheHits.Inc()
		if sess.IsExpired() {
			_ = m.Delete(ctx, orgID, sessionID)
			return nil, ErrExpired
		}
		return sess, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var loadedSess Session
	if err := json.Unmarshal(data, &loadedSess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if loadedSess.IsExpired() {
		_ = m.Delete(ctx, orgID, sessionID)
		return nil, ErrExpired
	}

	m.cachePut(&loadedSess)
	return &loadedSess, nil
}

// Update persists a modified session.
func (m *Manager) Update(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	sess.UpdatedAt = time.Now()
	if err := m.save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.cachePut(sess)
	return nil
}

// AddMessage appends to the session history, trimming to the configured
// maximum, and persists.
func (m *Manager) AddMessage(ctx context.Context, orgID, sessionID string, msg Message) error {
	sess, err := m.Get(ctx, orgID, sessionID)
	if err != nil {
		return err
	}
	sess.History = append(sess.History, msg)
	if len(sess.History) > m.maxHistory {
		sess.History = sess.History[len(sess.History)-m.maxHistory:]
	}
	return m.Update(ctx, sess)
}

// RecordRoute persists a routing verdict on the session.
func (m *Manager) RecordRoute(ctx context.Context, orgID, sessionID string, rec RouteRecord) error {
	sess, err := m.Get(ctx, orgID, sessionID)
	if err != nil {
		return err
	}
	sess.RecordRoute(rec.Category, rec.Skills)
	return m.Update(ctx, sess)
}

// AddUsage accumulates token and cost totals on the session.
func (m *Manager) AddUsage(ctx context.Context, orgID, sessionID string, inTok, outTok int, costCents float64) error {
	sess, err := m.Get(ctx, orgID, sessionID)
	if err != nil {
		return err
	}
	sess.AddUsage(inTok, outTok, costCents)
	return m.Update(ctx, sess)
}

// Delete removes a session from Redis and the local cache.
func (m *Manager) Delete(ctx context.Context, orgID, sessionID string) error {
	key := m.key(orgID, sessionID)
	if err := m.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.localCache, key)
	delete(m.cacheLoaded, key)
	metrics.SessionsActive.Set(float64(len(m.localCache)))
	m.mu.Unlock()
	return nil
}

// CleanupExpired scans an organization's sessions and deletes expired ones.
// Redis TTLs already reap most; this catches sessions whose logical expiry
// was shortened after the key was written.
func (m *Manager) CleanupExpired(ctx context.Context, orgID string) (int, error) {
	keys, err := m.client.Keys(ctx, "session:"+orgID+":*").Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cleaned := 0
	for _, key := range keys {
		data, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.IsExpired() {
			if err := m.client.Del(ctx, key).Err(); err == nil {
				cleaned++
			}
		}
	}
	return cleaned, nil
}

// Redis exposes the wrapped client for health checks.
func (m *Manager) Redis() *circuitbreaker.RedisWrapper {
	return m.client
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) key(orgID, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", orgID, sessionID)
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, m.key(sess.OrganizationID, sess.ID), data, ttl).Err()
}

func (m *Manager) cachePut(sess *Session) {
	key := m.key(sess.OrganizationID, sess.ID)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.localCache[key] = sess
	m.cacheLoaded[key] = time.Now()
	if len(m.localCache) > m.maxCached {
		m.evictOldest()
	}
	metrics.SessionsActive.Set(float64(len(m.localCache)))
}

// evictOldest drops the half of the cache that was loaded longest ago.
// Caller holds m.mu.
func (m *Manager) evictOldest() {
	type entry struct {
		key    string
		loaded time.Time
	}
	entries := make([]entry, 0, len(m.localCache))
	for k := range m.localCache {
		entries = append(entries, entry{k, m.cacheLoaded[k]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].loaded.Before(entries[i].loaded) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < len(entries)/2; i++ {
		delete(m.localCache, entries[i].key)
		delete(m.cacheLoaded, entries[i].key)
		metrics.SessionCacheEvictions.Inc()
	}
}
