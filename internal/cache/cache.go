// Package cache implements the TTL response cache on Redis/Valkey. All
// operations degrade to no-ops when the backend is missing or unreachable so
// the discovery path never blocks on the cache.
package cache

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"mexc_sniper/internal/core"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "mexc_sniper"
	maxConnAttempts = 3
	connectTimeout  = 2 * time.Second
	defaultTTL      = 5 * time.Second
)

// classTTLs are the freshness defaults per value class, applied when the
// caller passes a zero ttl
var classTTLs = map[string]time.Duration{
	"symbols":     5 * time.Second,
	"calendar":    30 * time.Second,
	"account":     60 * time.Second,
	"server_time": 10 * time.Second,
}

func resolveTTL(ttl time.Duration, cacheType string) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if d, ok := classTTLs[cacheType]; ok {
		return d
	}
	return defaultTTL
}

// Service is a namespaced JSON TTL cache. Implements core.ICache.
type Service struct {
	url    string
	logger core.ILogger

	mu           sync.Mutex
	client       *redis.Client
	connAttempts int
	disabled     bool

	hits   int64
	misses int64
	sets   int64
	errors int64
}

// NewService creates the cache service. An empty URL disables the cache
// entirely; connection is attempted lazily on first use.
func NewService(cacheURL string, logger core.ILogger) *Service {
	s := &Service{
		url:    cacheURL,
		logger: logger.WithField("component", "cache"),
	}
	if cacheURL == "" {
		s.disabled = true
		s.logger.Info("Cache backend not configured, running without cache")
	} else {
		s.logger.Info("Cache service created", "url", maskURL(cacheURL))
	}
	return s
}

// Start eagerly connects to the backend and re-arms a latched service.
// Returns true when the backend is reachable.
func (s *Service) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.url == "" {
		s.mu.Unlock()
		return false
	}
	s.disabled = false
	s.connAttempts = 0
	s.mu.Unlock()

	return s.conn(ctx) != nil
}

// conn returns a live client, attempting connection lazily. After
// maxConnAttempts failed attempts the service latches into no-op mode.
func (s *Service) conn(ctx context.Context) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled {
		return nil
	}
	if s.client != nil {
		return s.client
	}
	if s.connAttempts >= maxConnAttempts {
		s.disabled = true
		s.logger.Warn("Cache backend unreachable, latching into no-op mode",
			"attempts", s.connAttempts)
		return nil
	}
	s.connAttempts++

	opts, err := redis.ParseURL(normalizeURL(s.url))
	if err != nil {
		s.errors++
		s.disabled = true
		s.logger.Error("Invalid cache URL, disabling cache", "url", maskURL(s.url), "error", err)
		return nil
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.errors++
		_ = client.Close()
		s.logger.Warn("Cache connection attempt failed",
			"attempt", s.connAttempts, "url", maskURL(s.url), "error", err)
		return nil
	}

	s.client = client
	s.logger.Info("Connected to cache backend", "url", maskURL(s.url))
	return s.client
}

// Get loads a JSON value into dest. Returns false on miss or backend failure.
func (s *Service) Get(ctx context.Context, key string, dest interface{}) bool {
	client := s.conn(ctx)
	if client == nil {
		return false
	}

	data, err := client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		s.mu.Lock()
		if err == redis.Nil {
			s.misses++
		} else {
			s.errors++
		}
		s.mu.Unlock()
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.Warn("Failed to decode cached value", "key", key, "error", err)
		return false
	}

	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	return true
}

// Set stores a JSON value. A zero ttl selects the class default for
// cacheType; the key is the same one Get reads.
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, cacheType string) bool {
	client := s.conn(ctx)
	if client == nil {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("Failed to encode value for cache", "key", key, "error", err)
		return false
	}

	if err := client.Set(ctx, s.fullKey(key), data, resolveTTL(ttl, cacheType)).Err(); err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return true
}

// Delete removes a key. Returns true only when the key existed.
func (s *Service) Delete(ctx context.Context, key string) bool {
	client := s.conn(ctx)
	if client == nil {
		return false
	}

	n, err := client.Del(ctx, s.fullKey(key)).Result()
	if err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		return false
	}
	return n > 0
}

// Exists reports whether a key is present.
func (s *Service) Exists(ctx context.Context, key string) bool {
	client := s.conn(ctx)
	if client == nil {
		return false
	}

	n, err := client.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// ClearPattern deletes all keys matching the glob pattern inside the
// service namespace. Returns the number of keys removed.
func (s *Service) ClearPattern(ctx context.Context, pattern string) int {
	client := s.conn(ctx)
	if client == nil {
		return 0
	}

	var deleted int
	iter := client.Scan(ctx, 0, s.fullKey(pattern), 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err == nil {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("Cache scan failed", "pattern", pattern, "error", err)
	}
	return deleted
}

// Stats returns operation counters plus backend telemetry from INFO.
func (s *Service) Stats(ctx context.Context) map[string]interface{} {
	s.mu.Lock()
	stats := map[string]interface{}{
		"enabled": !s.disabled && s.url != "",
		"url":     maskURL(s.url),
		"hits":    s.hits,
		"misses":  s.misses,
		"sets":    s.sets,
		"errors":  s.errors,
	}
	s.mu.Unlock()

	client := s.conn(ctx)
	if client == nil {
		stats["connected"] = false
		return stats
	}
	stats["connected"] = true

	info, err := client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return stats
	}
	for _, field := range []string{"used_memory_human", "keyspace_hits", "keyspace_misses"} {
		if v, ok := parseInfoField(info, field); ok {
			stats["backend_"+field] = v
		}
	}
	return stats
}

// Close releases the backend connection.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Service) fullKey(key string) string {
	return keyPrefix + ":" + key
}

// normalizeURL maps valkey:// schemes onto the redis client
func normalizeURL(raw string) string {
	if strings.HasPrefix(raw, "valkey://") {
		return "redis://" + strings.TrimPrefix(raw, "valkey://")
	}
	if strings.HasPrefix(raw, "valkeys://") {
		return "rediss://" + strings.TrimPrefix(raw, "valkeys://")
	}
	return raw
}

// maskURL hides credentials embedded in a backend URL for logging
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable]"
	}
	if u.User != nil {
		if _, hasPwd := u.User.Password(); hasPwd {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	return u.String()
}

// parseInfoField extracts "field:value" lines from a redis INFO response
func parseInfoField(info, field string) (string, bool) {
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, field+":") {
			return strings.TrimPrefix(line, field+":"), true
		}
	}
	return "", false
}
