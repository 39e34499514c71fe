package cache

import (
	"context"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
)

// Context is the single explicit home for every cache tier in the
// process: the smart cache, the stream cache and the eviction manager
// that watches them. It replaces hidden per-tier singletons; construct
// one at startup and pass it down.
type Context struct {
	Smart    *SmartCache
	Stream   *StreamCache
	Eviction *EvictionManager

	logger *observability.Logger
}

// ContextConfig aggregates the per-component configs.
type ContextConfig struct {
	Smart    SmartCacheConfig
	Stream   StreamCacheConfig
	Eviction EvictionConfig
}

// NewContext wires the tiers together and registers them with the
// eviction manager. warm may be nil for a memory-only deployment.
func NewContext(ctx context.Context, cfg ContextConfig, policy *TTLPolicy, warm Store, logger *observability.Logger, metrics *observability.Metrics) *Context {
	smart := NewSmartCache(ctx, cfg.Smart, policy, logger, metrics)
	stream := NewStreamCache(cfg.Stream, warm, logger, metrics)
	eviction := NewEvictionManager(cfg.Eviction, logger, metrics)

	eviction.Register("smart", smart.Tier())
	eviction.Register("stream_hot", stream.Hot())

	return &Context{
		Smart:    smart,
		Stream:   stream,
		Eviction: eviction,
		logger:   logger,
	}
}

// Start launches background maintenance.
func (c *Context) Start(ctx context.Context) {
	c.Eviction.Start(ctx)
}

// ClearAllCaches performs an administrative reset of every tier.
func (c *Context) ClearAllCaches(ctx context.Context) CleanupResult {
	return c.Eviction.ForceCleanup(ctx)
}

// Stats returns per-tier snapshots keyed by tier name.
func (c *Context) Stats() map[string]TierStats {
	return map[string]TierStats{
		"smart":      c.Smart.Stats(),
		"stream_hot": c.Stream.Hot().Stats(),
	}
}

// Close stops background work and releases resources.
func (c *Context) Close() {
	c.Eviction.Stop()
	c.Smart.Close()
}
