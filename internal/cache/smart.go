package cache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
	"github.com/aoxiansheng/stock-api-sub020/internal/platform/worker"
)

// ErrFetchTimeout is returned when an upstream fetch exceeds its budget
// and no cached value exists to fall back on.
var ErrFetchTimeout = errors.New("cache: fetch timed out")

// FetchFunc is the caller-supplied upstream fetch for one logical data
// category.
type FetchFunc func(ctx context.Context) (interface{}, error)

// SmartCacheConfig configures the orchestrator.
type SmartCacheConfig struct {
	MaxEntries      int
	FetchTimeout    time.Duration
	BackgroundSlots int64
	RefreshWorkers  int
	RefreshQueue    int
}

// DefaultSmartCacheConfig returns sensible orchestrator defaults.
func DefaultSmartCacheConfig() SmartCacheConfig {
	return SmartCacheConfig{
		MaxEntries:      10000,
		FetchTimeout:    5 * time.Second,
		BackgroundSlots: 8,
		RefreshWorkers:  4,
		RefreshQueue:    64,
	}
}

// SmartCache decides per request whether to serve cached data, return
// stale data while refreshing in the background, or block on a
// synchronous fetch. Concurrent fetches for the same key are coalesced
// into a single upstream call.
type SmartCache struct {
	tier    *MemoryCache
	policy  *TTLPolicy
	group   singleflight.Group
	slots   *semaphore.Weighted
	pool    *worker.Pool
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	// refreshMu guards refreshing, the set of keys with an in-flight
	// background refresh. At most one refresh runs per key.
	refreshMu  sync.Mutex
	refreshing map[string]struct{}
}

// NewSmartCache creates the orchestrator and starts its refresh pool.
func NewSmartCache(ctx context.Context, cfg SmartCacheConfig, policy *TTLPolicy, logger *observability.Logger, metrics *observability.Metrics) *SmartCache {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.BackgroundSlots <= 0 {
		cfg.BackgroundSlots = 8
	}

	return &SmartCache{
		tier:       NewMemoryCache(cfg.MaxEntries),
		policy:     policy,
		slots:      semaphore.NewWeighted(cfg.BackgroundSlots),
		pool:       worker.NewPool(ctx, cfg.RefreshWorkers, cfg.RefreshQueue),
		timeout:    cfg.FetchTimeout,
		logger:     logger,
		metrics:    metrics,
		refreshing: make(map[string]struct{}),
	}
}

// GetOrFetch returns data for key, fetching upstream as required by the
// TTL strategy.
//
// Fresh hit: returned immediately. Stale hit: the stale value is
// returned and a refresh is scheduled if a background slot is free and
// no refresh for the key is already in flight; concurrent stale readers
// share that single refresh. Miss, or stale with no slot: the fetch
// runs synchronously, coalesced per key. A failed fetch falls back to
// the stale value when one exists; otherwise the error propagates.
func (s *SmartCache) GetOrFetch(ctx context.Context, key string, strategy Strategy, market string, fetch FetchFunc) (interface{}, error) {
	ttl := s.policy.Resolve(ctx, strategy, market, key)

	// no_cache bypasses storage entirely
	if ttl <= 0 {
		return s.fetchDirect(ctx, fetch)
	}

	value, stale, err := s.tier.GetStale(key)
	if err == nil && !stale {
		if s.metrics != nil {
			s.metrics.RecordCacheHit(ctx, "smart")
		}
		return value, nil
	}
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(ctx, "smart")
	}

	haveStale := err == nil

	if haveStale {
		if !s.markRefreshing(key) {
			// A refresh for this key is already in flight; serve stale
			if s.metrics != nil && s.metrics.StaleServed != nil {
				s.metrics.StaleServed.Add(ctx, 1)
			}
			return value, nil
		}
		if s.slots.TryAcquire(1) && s.scheduleRefresh(key, ttl, value, fetch) {
			if s.metrics != nil && s.metrics.StaleServed != nil {
				s.metrics.StaleServed.Add(ctx, 1)
			}
			return value, nil
		}
		// No slot or queue full: refresh synchronously instead
		s.clearRefreshing(key)
	}

	fetched, err := s.fetchCoalesced(ctx, key, ttl, fetch)
	if err != nil {
		if haveStale {
			s.logger.LogWarn(ctx, "fetch failed, serving stale value", "key", key, "error", err)
			if s.metrics != nil && s.metrics.StaleServed != nil {
				s.metrics.StaleServed.Add(ctx, 1)
			}
			return value, nil
		}
		return nil, err
	}

	return fetched, nil
}

// Invalidate removes a key from the cache.
func (s *SmartCache) Invalidate(key string) bool {
	return s.tier.Delete(key)
}

// Set writes an entry directly, bypassing the fetch path.
func (s *SmartCache) Set(ctx context.Context, key string, value interface{}, strategy Strategy, market string) {
	ttl := s.policy.Resolve(ctx, strategy, market, key)
	if ttl <= 0 {
		return
	}
	s.tier.Set(key, value, ttl)
}

// Stats returns tier counters.
func (s *SmartCache) Stats() TierStats {
	return s.tier.Stats()
}

// Tier exposes the backing tier for eviction registration.
func (s *SmartCache) Tier() *MemoryCache {
	return s.tier
}

// RefreshResults exposes completed background refresh outcomes, mainly
// for tests and health reporting.
func (s *SmartCache) RefreshResults() <-chan worker.Result {
	return s.pool.Results()
}

// Close drains the background refresh pool.
func (s *SmartCache) Close() {
	s.pool.Close()
}

// fetchDirect runs the fetch with a timeout and no storage.
func (s *SmartCache) fetchDirect(ctx context.Context, fetch FetchFunc) (interface{}, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value, err := fetch(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrFetchTimeout, err)
		}
		return nil, err
	}
	return value, nil
}

// fetchCoalesced runs the fetch behind singleflight so concurrent
// callers for the same key share one upstream call. The in-flight
// marker clears when Do returns, so a timed-out key can be retried.
func (s *SmartCache) fetchCoalesced(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (interface{}, error) {
	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		v, err := fetch(fetchCtx)
		if s.metrics != nil && s.metrics.FetchDuration != nil {
			s.metrics.FetchDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err != nil {
			if s.metrics != nil && s.metrics.RefreshFailures != nil {
				s.metrics.RefreshFailures.Add(ctx, 1)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: key %s", ErrFetchTimeout, key)
			}
			return nil, err
		}

		s.tier.Set(key, v, ttl)
		return v, nil
	})
	return value, err
}

// markRefreshing records an in-flight background refresh for key,
// reporting false when one is already running.
func (s *SmartCache) markRefreshing(key string) bool {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if _, inFlight := s.refreshing[key]; inFlight {
		return false
	}
	s.refreshing[key] = struct{}{}
	return true
}

func (s *SmartCache) clearRefreshing(key string) {
	s.refreshMu.Lock()
	delete(s.refreshing, key)
	s.refreshMu.Unlock()
}

// scheduleRefresh submits a fire-and-forget background refresh. The
// caller's disconnection does not cancel it; the per-fetch timeout does.
// Returns false when the refresh queue is full (slot is released, the
// caller clears the in-flight marker).
func (s *SmartCache) scheduleRefresh(key string, ttl time.Duration, oldValue interface{}, fetch FetchFunc) bool {
	job := worker.Job{
		Key: key,
		Execute: func(poolCtx context.Context) error {
			defer s.clearRefreshing(key)
			defer s.slots.Release(1)

			fetchCtx, cancel := context.WithTimeout(poolCtx, s.timeout)
			defer cancel()

			v, err := fetch(fetchCtx)
			if err != nil {
				// Stale value stays in cache unchanged
				s.logger.LogWarn(poolCtx, "background refresh failed", "key", key, "error", err)
				if s.metrics != nil && s.metrics.RefreshFailures != nil {
					s.metrics.RefreshFailures.Add(poolCtx, 1)
				}
				return err
			}

			s.tier.Set(key, v, ttl)
			s.policy.ObserveRefresh(key, !reflect.DeepEqual(oldValue, v))
			return nil
		},
	}

	if err := s.pool.Submit(job); err != nil {
		s.slots.Release(1)
		return false
	}

	if s.metrics != nil && s.metrics.BackgroundRefreshes != nil {
		s.metrics.BackgroundRefreshes.Add(context.Background(), 1)
	}
	return true
}
