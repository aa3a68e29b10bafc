package data

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobqueue/internal/core"
)

var (
	_ core.DetachedCache = (*RedisDetachedCache)(nil)
	_ core.DetachedCache = (*LocalDetachedCache)(nil)
)

// DefaultDetachedKey is the Redis set shared by all workers.
const DefaultDetachedKey = "jobqueue:detached"

// RedisDetachedCache keeps detached job ids in a Redis set so every worker
// process skips them. The whole set expires TTL after the last addition;
// jobs removed by the watchdog in the meantime are simply never offered again.
type RedisDetachedCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// RedisDetachedCacheOptions configures NewRedisDetachedCache.
type RedisDetachedCacheOptions struct {
	Client redis.UniversalClient
	Key    string        // defaults to DefaultDetachedKey
	TTL    time.Duration // 0 keeps the set forever
}

// NewRedisDetachedCache creates a RedisDetachedCache.
func NewRedisDetachedCache(opts RedisDetachedCacheOptions) (*RedisDetachedCache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	key := opts.Key
	if key == "" {
		key = DefaultDetachedKey
	}
	return &RedisDetachedCache{client: opts.Client, key: key, ttl: opts.TTL}, nil
}

// Add records ids in the shared set.
func (c *RedisDetachedCache) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, c.key, members...)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis sadd %s: %w", c.key, err)
	}
	return nil
}

// IDs returns every detached id; a missing key yields an empty list.
func (c *RedisDetachedCache) IDs(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis smembers %s: %w", c.key, err)
	}
	return ids, nil
}

// Defaults for LocalDetachedCacheOptions.
const (
	DefaultLocalDetachedTTL  = time.Hour
	DefaultLocalDetachedSize = 10000
)

// LocalDetachedCache is a process-local DetachedCache used when Redis is not
// configured. Each id expires TTL after it was last added, and once MaxSize
// ids are held the oldest additions are dropped first.
type LocalDetachedCache struct {
	mu      sync.Mutex
	ids     map[string]time.Time
	ttl     time.Duration
	maxSize int
	clock   TimeProvider
}

// LocalDetachedCacheOptions configures NewLocalDetachedCache.
type LocalDetachedCacheOptions struct {
	TTL          time.Duration // defaults to DefaultLocalDetachedTTL
	MaxSize      int           // defaults to DefaultLocalDetachedSize
	TimeProvider TimeProvider  // defaults to RealTimeProvider
}

// NewLocalDetachedCache creates an empty LocalDetachedCache.
func NewLocalDetachedCache(opts LocalDetachedCacheOptions) *LocalDetachedCache {
	c := &LocalDetachedCache{
		ids:     make(map[string]time.Time),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		clock:   opts.TimeProvider,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultLocalDetachedTTL
	}
	if c.maxSize <= 0 {
		c.maxSize = DefaultLocalDetachedSize
	}
	if c.clock == nil {
		c.clock = RealTimeProvider{}
	}
	return c
}

// Add implements core.DetachedCache.
func (c *LocalDetachedCache) Add(_ context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, id := range ids {
		c.ids[id] = now
	}
	c.pruneLocked(now)
	return nil
}

// IDs implements core.DetachedCache.
func (c *LocalDetachedCache) IDs(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.clock.Now())
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	return out, nil
}

// Len returns the number of ids currently held, expired ones included.
func (c *LocalDetachedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *LocalDetachedCache) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for id, added := range c.ids {
		if !added.After(cutoff) {
			delete(c.ids, id)
		}
	}

	excess := len(c.ids) - c.maxSize
	if excess <= 0 {
		return
	}
	byAge := make([]string, 0, len(c.ids))
	for id := range c.ids {
		byAge = append(byAge, id)
	}
	slices.SortFunc(byAge, func(a, b string) int {
		if byTime := c.ids[a].Compare(c.ids[b]); byTime != 0 {
			return byTime
		}
		return strings.Compare(a, b)
	})
	for _, id := range byAge[:excess] {
		delete(c.ids, id)
	}
}
