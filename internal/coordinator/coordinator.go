package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kisTradeBot/internal/metrics"
	"kisTradeBot/internal/ports"
)

const (
	defaultTTL           = 60 * time.Second
	defaultMinInterval   = 200 * time.Millisecond
	defaultSubmitTimeout = 30 * time.Second
	defaultQueueCapacity = 128
)

// Operation is a unit of outbound work executed by the worker.
type Operation func(ctx context.Context) (interface{}, error)

type callResult struct {
	value interface{}
	err   error
}

type queuedCall struct {
	key string
	op  Operation
	// Buffered with capacity 1 so the worker's single send never
	// blocks; a result arriving after the caller gave up is simply
	// dropped with the channel.
	result chan callResult
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Coordinator serializes outbound brokerage calls through one worker
// goroutine, enforces a minimum spacing between consecutive calls, and
// caches successful results by semantic key with a short TTL so bursts
// of concurrent callers collapse into one outbound call.
//
// Instances are constructed and injected explicitly; there is no
// package-level singleton. The worker runs until the context passed to
// Start is cancelled.
type Coordinator struct {
	queue         chan *queuedCall
	cache         sync.Map // key -> cacheEntry
	ttl           time.Duration
	minInterval   time.Duration
	submitTimeout time.Duration
	logger        ports.Logger
	now           func() time.Time

	startOnce sync.Once
}

// Config holds configuration for a request coordinator.
type Config struct {
	Logger        ports.Logger
	CacheTTL      time.Duration // defaults to 60s
	MinInterval   time.Duration // minimum spacing between outbound calls, defaults to 200ms
	SubmitTimeout time.Duration // how long a caller waits for its result, defaults to 30s
	QueueCapacity int           // defaults to 128
}

// New creates a request coordinator. Start must be called before Submit.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for request coordinator")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Coordinator{
		queue:         make(chan *queuedCall, capacity),
		ttl:           ttl,
		minInterval:   minInterval,
		submitTimeout: submitTimeout,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

// Start launches the worker goroutine. It runs until ctx is cancelled
// and is started at most once.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.worker(ctx)
	})
}

// Submit returns a live cached value for key immediately, or enqueues
// the operation and blocks until the worker posts a result, the submit
// timeout fires (ports.ErrTimeout), or ctx is cancelled. Errors are
// delivered to exactly this caller and never cached.
func (c *Coordinator) Submit(ctx context.Context, key string, op Operation) (interface{}, error) {
	if value, ok := c.lookup(key); ok {
		metrics.QuoteCacheHits.Inc()
		c.logger.Debug(ctx, "Cache hit", map[string]interface{}{"key": key})
		return value, nil
	}
	metrics.QuoteCacheMisses.Inc()

	call := &queuedCall{key: key, op: op, result: make(chan callResult, 1)}

	timer := time.NewTimer(c.submitTimeout)
	defer timer.Stop()

	select {
	case c.queue <- call:
		metrics.RequestQueueDepth.Set(float64(len(c.queue)))
	case <-timer.C:
		return nil, fmt.Errorf("request queue full for key %s: %w", key, ports.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-call.result:
		return res.value, res.err
	case <-timer.C:
		// The queue entry is not retracted; its eventual result is
		// discarded by the buffered channel.
		c.logger.Warn(ctx, "Caller timed out waiting for result", map[string]interface{}{"key": key})
		return nil, fmt.Errorf("no result for key %s within %s: %w", key, c.submitTimeout, ports.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker drains the queue in strict FIFO order, spacing consecutive
// outbound calls by at least minInterval. It is the sole cache writer.
func (c *Coordinator) worker(ctx context.Context) {
	c.logger.Info(ctx, "Request coordinator worker started", map[string]interface{}{
		"minInterval": c.minInterval.String(),
		"cacheTTL":    c.ttl.String(),
	})

	var lastCall time.Time
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "Request coordinator worker stopped")
			return
		case call := <-c.queue:
			metrics.RequestQueueDepth.Set(float64(len(c.queue)))

			// A call queued behind an identical key may find the result
			// already cached by the time it is dequeued.
			if value, ok := c.lookup(call.key); ok {
				call.result <- callResult{value: value}
				continue
			}

			if wait := c.minInterval - c.now().Sub(lastCall); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					call.result <- callResult{err: ctx.Err()}
					return
				}
			}

			value, err := call.op(ctx)
			lastCall = c.now()
			metrics.OutboundCalls.Inc()

			if err != nil {
				c.logger.Warn(ctx, "Queued call failed", map[string]interface{}{"key": call.key, "error": err.Error()})
			} else {
				c.cache.Store(call.key, cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)})
			}
			call.result <- callResult{value: value, err: err}
		}
	}
}

// lookup returns the cached value for key if it has not expired.
// Expired entries are deleted on sight.
func (c *Coordinator) lookup(key string) (interface{}, bool) {
	raw, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := raw.(cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.cache.Delete(key)
		return nil, false
	}
	return entry.value, true
}
