package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAcceleratorDisabled is returned by Resync when no accelerator tier is
// configured.
var ErrAcceleratorDisabled = errors.New("no accelerator cache configured")

// warmState serializes warming passes. The single-slot semaphore makes a
// pass mutually exclusive with itself; lastRun drives rate limiting.
type warmState struct {
	slot    *semaphore.Weighted
	mu      sync.Mutex
	lastRun time.Time
}

func newWarmState() warmState {
	return warmState{slot: semaphore.NewWeighted(1)}
}

// Resync rebuilds recent accelerator aggregates from the durable tier. It is
// idempotent and mutually exclusive with itself: a pass already in progress
// suppresses a duplicate (returns false). Unforced calls are additionally
// rate-limited to the configured minimum interval.
func (c *Coordinator) Resync(ctx context.Context, force bool) (bool, error) {
	if c.cache == nil {
		return false, ErrAcceleratorDisabled
	}
	if !c.warm.slot.TryAcquire(1) {
		return false, nil
	}
	defer c.warm.slot.Release(1)

	c.warm.mu.Lock()
	last := c.warm.lastRun
	c.warm.mu.Unlock()
	if !force && time.Since(last) < c.cfg.WarmingMinInterval {
		return false, nil
	}

	started := time.Now()
	since := started.UTC().Add(-c.cfg.WarmingLookback)

	aggs, err := c.store.GetMetricBuckets(ctx, since)
	if err != nil {
		return false, err
	}
	if err := c.cache.ReplaceAggregates(ctx, since, aggs); err != nil {
		return false, err
	}

	tools, err := c.store.ComputeToolUsage(ctx)
	if err != nil {
		return false, err
	}
	if err := c.cache.ReplaceToolUsage(ctx, tools); err != nil {
		return false, err
	}

	c.warm.mu.Lock()
	c.warm.lastRun = time.Now()
	c.warm.mu.Unlock()

	slog.Info("cache warming complete",
		"rows", len(aggs), "tools", len(tools), "took", time.Since(started))
	return true, nil
}

// repopulateAsync kicks a background warming pass after a cache miss. The
// pass itself enforces rate limiting and mutual exclusion, so a burst of
// misses collapses into at most one rebuild.
func (c *Coordinator) repopulateAsync() {
	if c.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.Resync(ctx, false); err != nil && !errors.Is(err, ErrAcceleratorDisabled) {
			slog.Debug("background cache warming failed", "error", err)
		}
	}()
}
