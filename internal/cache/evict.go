package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// keyIdle pairs a sampled key with its idle time.
type keyIdle struct {
	key  string
	idle time.Duration
}

// maybeEvict samples memory pressure after a write and schedules one
// background eviction pass when used/max crosses the threshold. At most
// one pass runs at a time.
func (c *Cache) maybeEvict() {
	ratio, ok := c.memoryPressure(context.Background())
	if !ok || ratio < c.threshold {
		return
	}
	if !c.evicting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.evicting.Store(false)
		c.evictUntilClear(context.Background())
	}()
}

// memoryPressure reads used_memory and maxmemory from INFO. A server with
// no maxmemory configured reports no pressure.
func (c *Cache) memoryPressure(ctx context.Context) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, false
	}
	used, max := parseMemoryInfo(info)
	if max == 0 {
		return 0, false
	}
	return float64(used) / float64(max), true
}

func parseMemoryInfo(info string) (used, max int64) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, _ = strconv.ParseInt(v, 10, 64)
		} else if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			max, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return used, max
}

// evictUntilClear runs up to evictMaxRounds sampling rounds, each deleting
// the coldest fifth of a random key sample, until pressure drops below the
// threshold.
func (c *Cache) evictUntilClear(ctx context.Context) {
	for round := 0; round < c.evictMaxRounds; round++ {
		ratio, ok := c.memoryPressure(ctx)
		if !ok || ratio < c.threshold {
			return
		}

		victims := c.sampleVictims(ctx)
		if len(victims) == 0 {
			c.logger.Warn("eviction pass found no candidates",
				zap.Float64("pressure", ratio))
			return
		}
		if err := c.deleteBatch(ctx, victims); err != nil {
			c.logger.Warn("eviction delete failed", zap.Error(err))
			return
		}
		c.logger.Info("evicted cold keys",
			zap.Int("count", len(victims)),
			zap.Int("round", round+1),
			zap.Float64("pressure", ratio))
	}
}

// sampleVictims draws up to evictSample random keys, reads each key's idle
// time and returns the coldest evictFraction of them.
func (c *Cache) sampleVictims(ctx context.Context) []string {
	seen := make(map[string]bool, c.evictSample)
	sample := make([]keyIdle, 0, c.evictSample)

	for i := 0; i < c.evictSample; i++ {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		key, err := c.client.RandomKey(opCtx).Result()
		cancel()
		if err != nil || key == "" {
			break
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		opCtx, cancel = context.WithTimeout(ctx, opTimeout)
		idle, err := c.client.ObjectIdleTime(opCtx, key).Result()
		cancel()
		if err != nil {
			continue
		}
		sample = append(sample, keyIdle{key: key, idle: idle})
	}

	return selectColdest(sample, c.evictFraction)
}

// selectColdest sorts descending by idle time and returns the top
// fraction, at least one key when the sample is non-empty.
func selectColdest(sample []keyIdle, fraction float64) []string {
	if len(sample) == 0 {
		return nil
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i].idle > sample[j].idle })

	n := int(float64(len(sample)) * fraction)
	if n < 1 {
		n = 1
	}
	victims := make([]string, n)
	for i := 0; i < n; i++ {
		victims[i] = sample[i].key
	}
	return victims
}
