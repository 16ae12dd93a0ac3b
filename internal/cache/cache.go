// Package cache is the Redis-backed hot-read layer: deterministic keying,
// coordinated invalidation, pressure-driven eviction and startup warming.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/metrics"
)

const (
	scanBatch = 100
	// Default per-operation deadline for cache calls.
	opTimeout = 5 * time.Second
)

// Options configures the cache client.
type Options struct {
	// URL is a redis:// URL or a plain host:port address.
	URL      string
	Password string
	// PoolMin/PoolMax bound the connection pool; acquisition blocks when
	// the pool is saturated and grows on demand up to PoolMax.
	PoolMin int
	PoolMax int
	// DefaultTTL applies when Set is called with ttl 0 (default 300s).
	DefaultTTL time.Duration
	// MemThreshold is the used/max ratio that triggers eviction (0.80).
	MemThreshold float64
}

// Stats are the cache's monotonic counters plus the derived hit rate.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hitRate"`
}

// Cache wraps a pooled Redis client.
type Cache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	threshold float64
	logger    *zap.Logger
	metrics   *metrics.Metrics

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64

	evicting atomic.Bool

	// Eviction tunables.
	evictSample    int
	evictFraction  float64
	evictMaxRounds int
}

// New connects to Redis, sizes the pool and asks the server for a global
// LRU eviction policy. The policy write is best-effort: managed Redis
// deployments often reject CONFIG SET.
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) (*Cache, error) {
	ropts, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	c := &Cache{
		client:         client,
		ttl:            opts.DefaultTTL,
		threshold:      opts.MemThreshold,
		logger:         logger,
		metrics:        m,
		evictSample:    100,
		evictFraction:  0.2,
		evictMaxRounds: 10,
	}
	if c.ttl <= 0 {
		c.ttl = 300 * time.Second
	}
	if c.threshold <= 0 {
		c.threshold = 0.80
	}

	if err := client.ConfigSet(ctx, "maxmemory-policy", "allkeys-lru").Err(); err != nil {
		logger.Warn("could not set maxmemory-policy, relying on active eviction",
			zap.Error(err))
	}
	return c, nil
}

func parseOptions(opts Options) (*redis.Options, error) {
	var ropts *redis.Options
	if strings.Contains(opts.URL, "://") {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{Addr: opts.URL}
	}
	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	if opts.PoolMax > 0 {
		ropts.PoolSize = opts.PoolMax
	}
	if opts.PoolMin > 0 {
		ropts.MinIdleConns = opts.PoolMin
	}
	return ropts, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client redis.UniversalClient, defaultTTL time.Duration, threshold float64, logger *zap.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		client:         client,
		ttl:            defaultTTL,
		threshold:      threshold,
		logger:         logger,
		metrics:        m,
		evictSample:    100,
		evictFraction:  0.2,
		evictMaxRounds: 10,
	}
}

// Get returns the value for key, or found=false on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil, false, nil
	}
	if err != nil {
		c.errors.Add(1)
		if c.metrics != nil {
			c.metrics.CacheErrors.Inc()
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
	return val, true, nil
}

// Set writes a value with the given TTL (default TTL when 0) and then
// samples memory pressure, scheduling a non-blocking eviction pass when
// the threshold is crossed.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		c.errors.Add(1)
		if c.metrics != nil {
			c.metrics.CacheErrors.Inc()
		}
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	c.sets.Add(1)
	if c.metrics != nil {
		c.metrics.CacheSets.Inc()
	}

	c.maybeEvict()
	return nil
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.errors.Add(1)
		if c.metrics != nil {
			c.metrics.CacheErrors.Inc()
		}
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	c.deletes.Add(1)
	if c.metrics != nil {
		c.metrics.CacheDeletes.Inc()
	}
	return nil
}

// DeletePattern removes every key matching the glob using incremental
// server-side SCAN cursors, deleting in batches of 100 so the server is
// never blocked by one huge KEYS sweep.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	var cursor uint64
	batch := make([]string, 0, scanBatch)

	for {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		keys, next, err := c.client.Scan(opCtx, cursor, pattern, scanBatch).Result()
		cancel()
		if err != nil {
			c.errors.Add(1)
			if c.metrics != nil {
				c.metrics.CacheErrors.Inc()
			}
			return deleted, fmt.Errorf("cache scan %s: %w", pattern, err)
		}

		batch = append(batch, keys...)
		for len(batch) >= scanBatch {
			if err := c.deleteBatch(ctx, batch[:scanBatch]); err != nil {
				return deleted, err
			}
			deleted += scanBatch
			batch = append(batch[:0], batch[scanBatch:]...)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(batch) > 0 {
		if err := c.deleteBatch(ctx, batch); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}

func (c *Cache) deleteBatch(ctx context.Context, keys []string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.errors.Add(1)
		if c.metrics != nil {
			c.metrics.CacheErrors.Inc()
		}
		return fmt.Errorf("cache batch delete: %w", err)
	}
	c.deletes.Add(int64(len(keys)))
	if c.metrics != nil {
		c.metrics.CacheDeletes.Add(float64(len(keys)))
	}
	return nil
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		c.errors.Add(1)
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		c.errors.Add(1)
		return 0, fmt.Errorf("cache ttl %s: %w", key, err)
	}
	return d, nil
}

// InvalidateWallet purges every key family for a wallet. Called after the
// indexer commits a transaction.
func (c *Cache) InvalidateWallet(ctx context.Context, address string) error {
	_, err := c.DeletePattern(ctx, fmt.Sprintf("wallet:%s:*", address))
	return err
}

// InvalidateBalances purges the balances and portfolio families.
func (c *Cache) InvalidateBalances(ctx context.Context, address string) error {
	for _, family := range []string{FamilyBalances, FamilyPortfolio} {
		if err := c.Delete(ctx, WalletKey(address, family, nil)); err != nil {
			return err
		}
	}
	return nil
}

// InvalidatePnL purges every period snapshot for a wallet.
func (c *Cache) InvalidatePnL(ctx context.Context, address string) error {
	_, err := c.DeletePattern(ctx, fmt.Sprintf("wallet:%s:%s:*", address, FamilyPnL))
	return err
}

// InvalidateMarket purges every key family for a market.
func (c *Cache) InvalidateMarket(ctx context.Context, address string) error {
	_, err := c.DeletePattern(ctx, fmt.Sprintf("market:%s:*", address))
	return err
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping verifies connectivity. Used by the degradation controller.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
