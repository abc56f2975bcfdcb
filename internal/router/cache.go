package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/metrics"
	"github.com/weaverhq/weaver/internal/models"
)

// stopWords are dropped before fingerprinting so phrasing noise does not
// defeat the cache.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"are": true, "be": true, "can": true, "you": true, "i": true, "my": true,
	"me": true, "please": true, "do": true, "it": true, "at": true, "by": true,
}

// Fingerprint derives the stable route-cache key component for a request:
// lowercase, strip stop words, keep the top 10 longest terms sorted, then
// the first 12 hex chars of the SHA-256 of the joined terms.
func Fingerprint(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if f == "" || stopWords[f] {
			continue
		}
		terms = append(terms, f)
	}

	// Longest terms carry the most signal; ties resolve alphabetically so
	// the selection is deterministic.
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	if len(terms) > 10 {
		terms = terms[:10]
	}
	sort.Strings(terms)

	sum := sha256.Sum256([]byte(strings.Join(terms, " ")))
	return hex.EncodeToString(sum[:])[:12]
}

// cachedRoute is the JSON payload stored per fingerprint.
type cachedRoute struct {
	Category models.CategorySelection `json:"category"`
	Skills   models.SkillSelection    `json:"skills"`
}

// Cache is the tenant-scoped Redis route cache. All errors degrade to a
// cache bypass; a broken cache never breaks routing.
type Cache struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache wraps a Redis client as a route cache.
func NewCache(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func (c *Cache) key(orgID, fingerprint string) string {
	return fmt.Sprintf("route:%s:%s", orgID, fingerprint)
}

// Get returns the cached verdict, or (nil, false) on miss or error.
func (c *Cache) Get(ctx context.Context, orgID, fingerprint string) (*cachedRoute, bool) {
	data, err := c.client.Get(ctx, c.key(orgID, fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RouteCacheMisses.Inc()
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Route cache read failed, bypassing",
			zap.String("fingerprint", fingerprint), zap.Error(err))
		metrics.RouteCacheMisses.Inc()
		return nil, false
	}

	var route cachedRoute
	if err := json.Unmarshal(data, &route); err != nil {
		metrics.RouteCacheMisses.Inc()
		return nil, false
	}
	metrics.RouteCacheHits.Inc()
	return &route, true
}

// Put stores a verdict. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, orgID, fingerprint string, route cachedRoute) {
	data, err := json.Marshal(route)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(orgID, fingerprint), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Route cache write failed",
			zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}
