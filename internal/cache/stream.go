package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
)

// Priority selects which stream tier a write lands in.
type Priority string

const (
	// PriorityHot writes only the in-memory tier
	PriorityHot Priority = "hot"
	// PriorityWarm writes only the persisted tier
	PriorityWarm Priority = "warm"
	// PriorityAuto picks by payload size and recency
	PriorityAuto Priority = "auto"
)

// DataPoint is one streaming quote update. Timestamp is unix
// milliseconds.
type DataPoint struct {
	Timestamp int64   `msgpack:"t" json:"t"`
	Price     float64 `msgpack:"p" json:"p"`
	Volume    float64 `msgpack:"v" json:"v"`
}

// StreamCacheConfig configures the two-tier stream cache.
type StreamCacheConfig struct {
	HotMaxEntries        int
	HotTTL               time.Duration
	WarmTTL              time.Duration
	CompressionThreshold int
	// AutoHotMaxPoints is the payload size, in points, under which
	// "auto" priority stays hot-only
	AutoHotMaxPoints int
}

// DefaultStreamCacheConfig returns stream cache defaults.
func DefaultStreamCacheConfig() StreamCacheConfig {
	return StreamCacheConfig{
		HotMaxEntries:        5000,
		HotTTL:               5 * time.Second,
		WarmTTL:              5 * time.Minute,
		CompressionThreshold: DefaultCompressionThreshold,
		AutoHotMaxPoints:     100,
	}
}

// StreamStats is a snapshot of stream cache counters.
type StreamStats struct {
	Hot          TierStats `json:"hot"`
	WarmHits     int64     `json:"warm_hits"`
	WarmMisses   int64     `json:"warm_misses"`
	Compressions int64     `json:"compressions"`
}

// StreamCache holds high-frequency quote updates in a hot in-memory tier
// with a warm persisted tier behind it. Warm hits are not promoted back
// to hot, so cold batch reads cannot thrash the hot tier.
type StreamCache struct {
	cfg     StreamCacheConfig
	hot     *MemoryCache
	warm    Store
	logger  *observability.Logger
	metrics *observability.Metrics

	warmHits     atomic.Int64
	warmMisses   atomic.Int64
	compressions atomic.Int64
}

// NewStreamCache creates a stream cache. warm may be nil for a
// memory-only deployment.
func NewStreamCache(cfg StreamCacheConfig, warm Store, logger *observability.Logger, metrics *observability.Metrics) *StreamCache {
	if cfg.HotMaxEntries <= 0 {
		cfg.HotMaxEntries = 5000
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}

	return &StreamCache{
		cfg:     cfg,
		hot:     NewMemoryCache(cfg.HotMaxEntries),
		warm:    warm,
		logger:  logger,
		metrics: metrics,
	}
}

// SetData stores a point sequence under key. "auto" keeps small recent
// payloads hot-only and additionally persists larger ones to warm.
func (sc *StreamCache) SetData(ctx context.Context, key string, points []DataPoint, priority Priority) error {
	switch priority {
	case PriorityHot:
		sc.hot.Set(key, points, sc.cfg.HotTTL)
		return nil

	case PriorityWarm:
		return sc.setWarm(ctx, key, points)

	case PriorityAuto:
		sc.hot.Set(key, points, sc.cfg.HotTTL)
		if len(points) > sc.cfg.AutoHotMaxPoints && sc.warm != nil {
			return sc.setWarm(ctx, key, points)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidValue, priority)
	}
}

// GetData returns the stored sequence, hot tier first, warm as fallback.
// A warm hit does not promote to hot.
func (sc *StreamCache) GetData(ctx context.Context, key string) ([]DataPoint, error) {
	if v, err := sc.hot.Get(key); err == nil {
		if sc.metrics != nil {
			sc.metrics.RecordCacheHit(ctx, "stream_hot")
		}
		return v.([]DataPoint), nil
	}
	if sc.metrics != nil {
		sc.metrics.RecordCacheMiss(ctx, "stream_hot")
	}

	return sc.getWarm(ctx, key)
}

// GetDataSince returns points with Timestamp strictly greater than
// sinceMs, for incremental client catch-up after reconnect.
func (sc *StreamCache) GetDataSince(ctx context.Context, key string, sinceMs int64) ([]DataPoint, error) {
	points, err := sc.GetData(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make([]DataPoint, 0, len(points))
	for _, p := range points {
		if p.Timestamp > sinceMs {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetBatchData looks up multiple keys, skipping misses.
func (sc *StreamCache) GetBatchData(ctx context.Context, keys []string) (map[string][]DataPoint, error) {
	out := make(map[string][]DataPoint, len(keys))
	for _, key := range keys {
		points, err := sc.GetData(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[key] = points
	}
	return out, nil
}

// DeleteData removes key from both tiers.
func (sc *StreamCache) DeleteData(ctx context.Context, key string) error {
	sc.hot.Delete(key)
	if sc.warm != nil {
		if err := sc.warm.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll flushes the hot tier. Warm entries age out by TTL; the store
// is shared and not flushed wholesale from here.
func (sc *StreamCache) ClearAll() {
	sc.hot.Clear()
}

// Hot exposes the hot tier for eviction registration.
func (sc *StreamCache) Hot() *MemoryCache {
	return sc.hot
}

// GetCacheStats returns a snapshot of stream cache counters.
func (sc *StreamCache) GetCacheStats() StreamStats {
	return StreamStats{
		Hot:          sc.hot.Stats(),
		WarmHits:     sc.warmHits.Load(),
		WarmMisses:   sc.warmMisses.Load(),
		Compressions: sc.compressions.Load(),
	}
}

func (sc *StreamCache) setWarm(ctx context.Context, key string, points []DataPoint) error {
	if sc.warm == nil {
		return nil
	}

	payload, err := msgpack.Marshal(points)
	if err != nil {
		return fmt.Errorf("stream: marshal points: %w", err)
	}

	blob, err := EncodeEnvelope(payload, sc.cfg.WarmTTL, sc.cfg.CompressionThreshold, map[string]string{"kind": "stream"})
	if err != nil {
		return err
	}

	if len(payload) > sc.cfg.CompressionThreshold {
		sc.compressions.Add(1)
		if sc.metrics != nil && sc.metrics.StreamCompressions != nil {
			sc.metrics.StreamCompressions.Add(ctx, 1)
		}
	}

	return sc.warm.Set(ctx, key, blob, sc.cfg.WarmTTL)
}

func (sc *StreamCache) getWarm(ctx context.Context, key string) ([]DataPoint, error) {
	if sc.warm == nil {
		return nil, ErrNotFound
	}

	blob, err := sc.warm.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sc.warmMisses.Add(1)
			if sc.metrics != nil {
				sc.metrics.RecordCacheMiss(ctx, "stream_warm")
			}
		}
		return nil, err
	}

	payload, env, err := DecodeEnvelope(blob)
	if err != nil {
		return nil, err
	}
	if env.Expired(time.Now()) {
		sc.warmMisses.Add(1)
		return nil, ErrNotFound
	}

	var points []DataPoint
	if err := msgpack.Unmarshal(payload, &points); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	sc.warmHits.Add(1)
	if sc.metrics != nil {
		sc.metrics.RecordCacheHit(ctx, "stream_warm")
	}
	return points, nil
}
