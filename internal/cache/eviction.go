package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
)

// CleanupType labels why a cleanup pass ran.
type CleanupType string

const (
	// CleanupNone means usage was below the high-water mark
	CleanupNone CleanupType = "none"
	// CleanupPressure is a ratio-based partial eviction
	CleanupPressure CleanupType = "pressure"
	// CleanupForced is an administrative full flush
	CleanupForced CleanupType = "forced"
)

// CleanupResult summarizes one cleanup pass across registered tiers.
type CleanupResult struct {
	StaleEvicted     int         `json:"stale_evicted"`
	PressureEvicted  int         `json:"pressure_evicted"`
	TotalEvicted     int         `json:"total_evicted"`
	RemainingEntries int         `json:"remaining_entries"`
	CleanupType      CleanupType `json:"cleanup_type"`
	MemoryUsage      float64     `json:"memory_usage"`
}

// EvictionConfig configures the memory-pressure manager.
type EvictionConfig struct {
	Interval       time.Duration
	HighWaterMark  float64
	RetentionRatio float64
}

// DefaultEvictionConfig returns eviction defaults.
func DefaultEvictionConfig() EvictionConfig {
	return EvictionConfig{
		Interval:       30 * time.Second,
		HighWaterMark:  0.85,
		RetentionRatio: DefaultRetentionRatio,
	}
}

// EvictionManager samples aggregate memory usage on a background timer
// and partially evicts registered tiers above the high-water mark. It
// never blocks a foreground cache operation and never fully clears a
// tier during normal operation.
type EvictionManager struct {
	cfg     EvictionConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	tiers    map[string]PressureEvictable
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// memUsage is replaceable in tests; the default samples system
	// memory via gopsutil
	memUsage func() (float64, error)
}

// NewEvictionManager creates a manager with no registered tiers.
func NewEvictionManager(cfg EvictionConfig, logger *observability.Logger, metrics *observability.Metrics) *EvictionManager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HighWaterMark <= 0 || cfg.HighWaterMark > 1 {
		cfg.HighWaterMark = 0.85
	}
	if cfg.RetentionRatio <= 0 || cfg.RetentionRatio >= 1 {
		cfg.RetentionRatio = DefaultRetentionRatio
	}

	return &EvictionManager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tiers:    make(map[string]PressureEvictable),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		memUsage: systemMemoryUsage,
	}
}

// Register adds a tier under a name for cleanup passes.
func (m *EvictionManager) Register(name string, tier PressureEvictable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[name] = tier
}

// Start launches the background sampling loop. Subsequent calls are
// no-ops.
func (m *EvictionManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				result := m.CheckAndEvict(ctx)
				if result.CleanupType != CleanupNone {
					m.logger.LogInfo(ctx, "memory pressure cleanup",
						"type", string(result.CleanupType),
						"evicted", result.TotalEvicted,
						"remaining", result.RemainingEntries,
						"usage", result.MemoryUsage)
				}
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sampling loop and waits for it to exit. Safe to
// call without a prior Start.
func (m *EvictionManager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	m.stopOnce.Do(func() {
		close(m.stopCh)
		if started {
			<-m.done
		}
	})
}

// CheckAndEvict runs one cleanup pass: expired entries are always
// purged; above the high-water mark each tier additionally keeps only
// its hottest RetentionRatio fraction.
func (m *EvictionManager) CheckAndEvict(ctx context.Context) CleanupResult {
	usage, err := m.memUsage()
	if err != nil {
		m.logger.LogWarn(ctx, "memory sampling failed, skipping eviction", "error", err)
		return CleanupResult{CleanupType: CleanupNone}
	}

	if m.metrics != nil && m.metrics.MemoryUsageRatio != nil {
		m.metrics.MemoryUsageRatio.Record(ctx, usage)
	}

	result := CleanupResult{MemoryUsage: usage, CleanupType: CleanupNone}

	m.mu.Lock()
	tiers := make(map[string]PressureEvictable, len(m.tiers))
	for name, tier := range m.tiers {
		tiers[name] = tier
	}
	m.mu.Unlock()

	for _, tier := range tiers {
		result.StaleEvicted += tier.CleanupExpired()
	}

	if usage >= m.cfg.HighWaterMark {
		result.CleanupType = CleanupPressure
		for _, tier := range tiers {
			evicted := tier.EvictUnderPressure(m.cfg.RetentionRatio)
			result.PressureEvicted += evicted
			if m.metrics != nil && m.metrics.PressureEvicted != nil {
				m.metrics.PressureEvicted.Add(ctx, int64(evicted))
			}
		}
	}

	for _, tier := range tiers {
		result.RemainingEntries += tier.Len()
	}
	result.TotalEvicted = result.StaleEvicted + result.PressureEvicted
	return result
}

// ForceCleanup fully clears every registered tier. Administrative use
// only.
func (m *EvictionManager) ForceCleanup(ctx context.Context) CleanupResult {
	m.mu.Lock()
	tiers := make([]PressureEvictable, 0, len(m.tiers))
	for _, tier := range m.tiers {
		tiers = append(tiers, tier)
	}
	m.mu.Unlock()

	result := CleanupResult{CleanupType: CleanupForced}
	for _, tier := range tiers {
		result.PressureEvicted += tier.Len()
		tier.Clear()
	}
	result.TotalEvicted = result.PressureEvicted

	m.logger.LogWarn(ctx, "forced cache cleanup", "evicted", result.TotalEvicted)
	return result
}

// systemMemoryUsage samples system memory usage as a [0, 1] ratio.
func systemMemoryUsage() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100, nil
}
