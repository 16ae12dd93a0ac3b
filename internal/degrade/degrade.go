// Package degrade keeps the service useful while dependencies fail:
// cache-first reads with store fallback, a bounded write queue behind the
// store circuit breaker, and aggregated dependency status.
package degrade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/walletmirror/walletmirror/internal/clock"
	"github.com/walletmirror/walletmirror/internal/metrics"
	"github.com/walletmirror/walletmirror/internal/model"
	"github.com/walletmirror/walletmirror/internal/resilience"
)

const (
	queueCap       = 10000
	queueBatch     = 10
	queueInterval  = 10 * time.Second
	maxItemRetries = 5
)

// WriteStore is the store slice the controller needs.
type WriteStore interface {
	Apply(ctx context.Context, op model.WriteOp) error
}

// QueryCache is the cache slice the controller needs.
type QueryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ErrorPublisher emits system-error events when retry budgets run out.
type ErrorPublisher interface {
	PublishSystemError(message, code string, context map[string]any)
}

// StreamStatus is pushed by the upstream client.
type StreamStatus struct {
	Up          bool
	Disconnects int
	Attempts    int
}

// DependencyStatus describes one dependency for health reporting.
type DependencyStatus struct {
	Up          bool       `json:"up"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
}

// Status aggregates the three tracked dependencies.
type Status struct {
	Stream     StreamStatus     `json:"stream"`
	Store      DependencyStatus `json:"store"`
	Cache      DependencyStatus `json:"cache"`
	QueueDepth int              `json:"queueDepth"`
}

// Controller owns the write queue and the read fallback path.
type Controller struct {
	store    WriteStore
	cache    QueryCache
	breakers *resilience.Set
	bus      ErrorPublisher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	retry    resilience.RetryPolicy

	mu          sync.Mutex
	queue       []model.WriteOp
	stream      StreamStatus
	storeFailAt *time.Time
	cacheFailAt *time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New wires a controller. bus may be nil.
func New(st WriteStore, cache QueryCache, breakers *resilience.Set, bus ErrorPublisher, logger *zap.Logger, m *metrics.Metrics, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.System{}
	}
	return &Controller{
		store:    st,
		cache:    cache,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		metrics:  m,
		clock:    clk,
		retry:    resilience.DefaultRetryPolicy(),
		stream:   StreamStatus{Up: false},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetStreamStatus records the pushed upstream connection state.
func (c *Controller) SetStreamStatus(connected bool, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream.Up && !connected {
		c.stream.Disconnects++
	}
	c.stream.Up = connected
	c.stream.Attempts = attempts
}

// Status reports the aggregated dependency view.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Stream:     c.stream,
		Store:      DependencyStatus{Up: c.breakers.Store.State() != resilience.StateOpen, LastFailure: c.storeFailAt},
		Cache:      DependencyStatus{Up: c.breakers.Cache.State() != resilience.StateOpen, LastFailure: c.cacheFailAt},
		QueueDepth: len(c.queue),
	}
}

// IsDegraded reports whether any dependency is down.
func (c *Controller) IsDegraded() bool {
	s := c.Status()
	return !s.Stream.Up || !s.Store.Up || !s.Cache.Up
}

// DescribeDegraded enumerates the failing dependencies.
func (c *Controller) DescribeDegraded() []string {
	s := c.Status()
	var out []string
	if !s.Stream.Up {
		out = append(out, fmt.Sprintf("upstream stream disconnected (attempts: %d)", s.Stream.Attempts))
	}
	if !s.Store.Up {
		out = append(out, fmt.Sprintf("primary store unavailable (queued writes: %d)", s.QueueDepth))
	}
	if !s.Cache.Up {
		out = append(out, "cache unavailable, reads served from store")
	}
	return out
}

// ExecuteQuery serves a read cache-first. The cache attempt runs through
// the cache breaker with a miss-returning fallback; a hit that fails to
// parse falls through to the store. Store results are cached best-effort.
func (c *Controller) ExecuteQuery(ctx context.Context, key string, ttl time.Duration, dbFn func(context.Context) (any, error)) (json.RawMessage, error) {
	var cached []byte
	// The fallback swallows the error, so failures are recorded inside
	// the primary before the breaker sees them.
	_ = c.breakers.Cache.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			raw, ok, err := c.cache.Get(ctx, key)
			if err != nil {
				c.markCacheFailure(err)
				return err
			}
			if ok {
				cached = raw
			}
			return nil
		},
		func(context.Context) error {
			cached = nil
			return nil
		})
	if cached != nil {
		if json.Valid(cached) {
			return cached, nil
		}
		c.logger.Warn("discarding unparsable cache entry", zap.String("key", key))
	}

	var result any
	err := c.breakers.Store.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = dbFn(ctx)
		return err
	})
	if err != nil {
		c.markStoreFailure(err)
		return nil, fmt.Errorf("query %s failed: %w", key, err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query result: %w", err)
	}
	if setErr := c.cache.Set(ctx, key, raw, ttl); setErr != nil {
		c.markCacheFailure(setErr)
		c.logger.Debug("failed to cache query result",
			zap.String("key", key),
			zap.Error(setErr))
	}
	return raw, nil
}

// ExecuteWrite runs op through the store breaker with retries. A write
// that keeps failing is queued and the caller is not failed; an event
// reports the exhausted retry budget.
func (c *Controller) ExecuteWrite(ctx context.Context, op model.WriteOp) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	err := resilience.Retry(ctx, c.retry, "store-write", c.logger, func(ctx context.Context) error {
		return c.breakers.Store.Execute(ctx, func(ctx context.Context) error {
			return c.store.Apply(ctx, op)
		})
	})
	if err == nil {
		return nil
	}

	c.markStoreFailure(err)
	if c.bus != nil {
		c.bus.PublishSystemError("write retries exhausted, queueing", "WRITE_FAILED", map[string]any{
			"table": op.Table,
			"op":    string(op.Kind),
			"id":    op.ID,
		})
	}
	c.enqueue(op)
	return nil
}

// enqueue appends op, dropping the oldest entries past queueCap.
func (c *Controller) enqueue(op model.WriteOp) {
	op.EnqueuedAt = c.clock.Now()
	op.Retries = 0

	c.mu.Lock()
	c.queue = append(c.queue, op)
	var dropped int
	if over := len(c.queue) - queueCap; over > 0 {
		c.queue = c.queue[over:]
		dropped = over
	}
	depth := len(c.queue)
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Warn("write queue overflow, dropped oldest",
			zap.Int("dropped", dropped))
		if c.metrics != nil {
			c.metrics.WriteQueueDropped.Add(float64(dropped))
		}
	}
	if c.metrics != nil {
		c.metrics.WriteQueueDepth.Set(float64(depth))
	}
	c.logger.Info("write queued",
		zap.String("table", op.Table),
		zap.String("op", string(op.Kind)),
		zap.Int("depth", depth))
}

// QueueDepth reports the number of pending writes.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Run drains the write queue on an interval until Stop.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(queueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.ProcessQueue(ctx)
		case <-c.stopCh:
			// Final drain attempt before shutdown.
			c.ProcessQueue(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the queue processor after a final drain attempt.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// ProcessQueue executes up to queueBatch pending writes in FIFO order.
// While the store circuit is open nothing is attempted. A transient
// failure stops the batch so later writes cannot overtake the failed
// one; items failing maxItemRetries times are dropped.
func (c *Controller) ProcessQueue(ctx context.Context) {
	if c.breakers.Store.State() == resilience.StateOpen {
		return
	}

	c.mu.Lock()
	n := queueBatch
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := make([]model.WriteOp, n)
	copy(batch, c.queue[:n])
	c.queue = append(c.queue[:0], c.queue[n:]...)
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var requeue []model.WriteOp
	for i := 0; i < len(batch); i++ {
		op := batch[i]
		err := c.breakers.Store.Execute(ctx, func(ctx context.Context) error {
			return c.store.Apply(ctx, op)
		})
		if err == nil {
			continue
		}
		op.Retries++
		if op.Retries >= maxItemRetries {
			c.logger.Error("dropping write after repeated failures",
				zap.String("id", op.ID),
				zap.String("table", op.Table),
				zap.Error(err))
			if c.metrics != nil {
				c.metrics.WriteQueueDropped.Inc()
			}
			continue
		}
		// Stop here: committing anything past a retryable failure would
		// reorder writes. The failed op and the unattempted remainder go
		// back to the front.
		requeue = append(requeue, op)
		requeue = append(requeue, batch[i+1:]...)
		break
	}

	c.mu.Lock()
	// Requeued items go to the front to preserve FIFO order.
	c.queue = append(requeue, c.queue...)
	depth := len(c.queue)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.WriteQueueDepth.Set(float64(depth))
	}
}

func (c *Controller) markStoreFailure(err error) {
	now := c.clock.Now()
	c.mu.Lock()
	c.storeFailAt = &now
	c.mu.Unlock()
	c.logger.Debug("store failure recorded", zap.Error(err))
}

func (c *Controller) markCacheFailure(err error) {
	now := c.clock.Now()
	c.mu.Lock()
	c.cacheFailAt = &now
	c.mu.Unlock()
	c.logger.Debug("cache failure recorded", zap.Error(err))
}
