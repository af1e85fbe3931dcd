package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresuchdata/export2s3/internal/config"
	"github.com/andresuchdata/export2s3/internal/domain"
)

// Key layout:
//
//	export2s3:roots             hash, root id -> target root
//	export2s3:root:<id>:latest  latest BatchResult as JSON, expires after the TTL
const (
	keyNamespace     = "export2s3"
	rootIndexKey     = keyNamespace + ":roots"
	defaultTTL       = 24 * time.Hour
	pingTimeout      = 5 * time.Second
	defaultRedisAddr = "127.0.0.1:6379"
)

// ResultCache keeps the latest BatchResult per target root.
type ResultCache interface {
	StoreResult(ctx context.Context, res *domain.BatchResult) error
	LatestResult(ctx context.Context, targetRoot string) (*domain.BatchResult, bool, error)
	// Roots lists the target roots that still have a cached result.
	Roots(ctx context.Context) ([]string, error)
	Close() error
}

type redisResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

type noopResultCache struct{}

// NewResultCache connects to Redis when caching is enabled and returns a
// no-op cache otherwise.
func NewResultCache(ctx context.Context, cfg config.CacheConfig) (ResultCache, error) {
	if !cfg.Enabled {
		return NewNoopResultCache(), nil
	}

	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return &redisResultCache{client: client, ttl: resultTTL(cfg)}, nil
}

func NewNoopResultCache() ResultCache {
	return &noopResultCache{}
}

// redisOptions prefers cache.redis_url; otherwise host and port fall back to
// a local server.
func redisOptions(cfg config.CacheConfig) (*redis.Options, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "cache.redis_url", Reason: err.Error()}
		}
		return opts, nil
	}

	opts := &redis.Options{Addr: defaultRedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	if cfg.RedisHost != "" || cfg.RedisPort != "" {
		host, port := cfg.RedisHost, cfg.RedisPort
		if host == "" {
			host = "127.0.0.1"
		}
		if port == "" {
			port = "6379"
		}
		opts.Addr = net.JoinHostPort(host, port)
	}
	return opts, nil
}

func resultTTL(cfg config.CacheConfig) time.Duration {
	if cfg.ResultTTLSeconds <= 0 {
		return defaultTTL
	}
	return time.Duration(cfg.ResultTTLSeconds) * time.Second
}

// normalizeRoot makes s3://b/p and s3://b/p/ the same root.
func normalizeRoot(targetRoot string) string {
	return strings.TrimRight(strings.TrimSpace(targetRoot), "/")
}

func rootID(targetRoot string) string {
	sum := sha1.Sum([]byte(normalizeRoot(targetRoot)))
	return hex.EncodeToString(sum[:])
}

func latestKey(id string) string {
	return keyNamespace + ":root:" + id + ":latest"
}

func (c *redisResultCache) StoreResult(ctx context.Context, res *domain.BatchResult) error {
	if res == nil {
		return nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal batch result: %w", err)
	}

	id := rootID(res.TargetRoot)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestKey(id), payload, c.ttl)
		pipe.HSet(ctx, rootIndexKey, id, normalizeRoot(res.TargetRoot))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store result for %s: %w", res.TargetRoot, err)
	}
	return nil
}

func (c *redisResultCache) LatestResult(ctx context.Context, targetRoot string) (*domain.BatchResult, bool, error) {
	payload, err := c.client.Get(ctx, latestKey(rootID(targetRoot))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read result for %s: %w", targetRoot, err)
	}

	var res domain.BatchResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return &res, true, nil
}

// Roots reads the root index and drops entries whose result has expired.
func (c *redisResultCache) Roots(ctx context.Context) ([]string, error) {
	index, err := c.client.HGetAll(ctx, rootIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read root index: %w", err)
	}
	if len(index) == 0 {
		return []string{}, nil
	}

	ids := make([]string, 0, len(index))
	exists := make([]*redis.IntCmd, 0, len(index))
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for id := range index {
			ids = append(ids, id)
			exists = append(exists, pipe.Exists(ctx, latestKey(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check cached results: %w", err)
	}

	roots, stale := liveRoots(index, ids, exists)
	if len(stale) > 0 {
		// expired entries are pruned lazily; a failure here only delays it
		_ = c.client.HDel(ctx, rootIndexKey, stale...).Err()
	}
	return roots, nil
}

// liveRoots splits the index into roots with a live result and stale ids.
func liveRoots(index map[string]string, ids []string, exists []*redis.IntCmd) ([]string, []string) {
	roots := make([]string, 0, len(ids))
	var stale []string
	for i, id := range ids {
		if exists[i].Val() > 0 {
			roots = append(roots, index[id])
		} else {
			stale = append(stale, id)
		}
	}
	sort.Strings(roots)
	return roots, stale
}

func (c *redisResultCache) Close() error {
	return c.client.Close()
}

func (c *noopResultCache) StoreResult(context.Context, *domain.BatchResult) error { return nil }

func (c *noopResultCache) LatestResult(context.Context, string) (*domain.BatchResult, bool, error) {
	return nil, false, nil
}

func (c *noopResultCache) Roots(context.Context) ([]string, error) { return []string{}, nil }

func (c *noopResultCache) Close() error { return nil }
