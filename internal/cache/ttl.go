package cache

import (
	"context"
	"sync"
	"time"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
)

// Strategy selects how a TTL is computed for a logical data category.
type Strategy string

const (
	// StrategyStrongTimeliness is a short fixed TTL for high-frequency trading data
	StrategyStrongTimeliness Strategy = "strong_timeliness"

	// StrategyWeakTimeliness is a long fixed TTL for reference/batch data
	StrategyWeakTimeliness Strategy = "weak_timeliness"

	// StrategyMarketAware switches between short and long TTL on market session state
	StrategyMarketAware Strategy = "market_aware"

	// StrategyAdaptive adjusts a base TTL by how often the value is observed to change
	StrategyAdaptive Strategy = "adaptive"

	// StrategyNoCache resolves to zero, signaling callers to bypass storage
	StrategyNoCache Strategy = "no_cache"
)

// MarketState is the session snapshot supplied by the external status provider.
type MarketState struct {
	Market       string
	IsOpen       bool
	SessionPhase string
}

// MarketStatusProvider reports whether an exchange is currently trading.
type MarketStatusProvider interface {
	Status(ctx context.Context, market string) (MarketState, error)
}

// TTLConfig holds the concrete durations behind each strategy.
type TTLConfig struct {
	Strong     time.Duration `mapstructure:"strong"`
	Weak       time.Duration `mapstructure:"weak"`
	MarketOpen time.Duration `mapstructure:"market_open"`
	MarketIdle time.Duration `mapstructure:"market_idle"`

	AdaptiveBase time.Duration `mapstructure:"adaptive_base"`
	AdaptiveMin  time.Duration `mapstructure:"adaptive_min"`
	AdaptiveMax  time.Duration `mapstructure:"adaptive_max"`
}

// DefaultTTLConfig returns the default TTL durations.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Strong:       2 * time.Second,
		Weak:         5 * time.Minute,
		MarketOpen:   1 * time.Second,
		MarketIdle:   60 * time.Second,
		AdaptiveBase: 30 * time.Second,
		AdaptiveMin:  5 * time.Second,
		AdaptiveMax:  5 * time.Minute,
	}
}

// TTLPolicy resolves a Strategy to a concrete TTL at read/write time.
// It is stateless except for the change trackers behind the adaptive
// strategy; market state is re-read on every market_aware resolution.
type TTLPolicy struct {
	cfg      TTLConfig
	market   MarketStatusProvider
	logger   *observability.Logger
	mu       sync.Mutex
	trackers map[string]*changeTracker
}

// NewTTLPolicy creates a TTL policy. market may be nil, in which case
// market_aware always falls back to the conservative (open) TTL.
func NewTTLPolicy(cfg TTLConfig, market MarketStatusProvider, logger *observability.Logger) *TTLPolicy {
	return &TTLPolicy{
		cfg:      cfg,
		market:   market,
		logger:   logger,
		trackers: make(map[string]*changeTracker),
	}
}

// Resolve computes the effective TTL for a strategy. The market argument
// is only consulted for market_aware; key is only consulted for adaptive.
func (p *TTLPolicy) Resolve(ctx context.Context, strategy Strategy, market, key string) time.Duration {
	switch strategy {
	case StrategyStrongTimeliness:
		return p.cfg.Strong

	case StrategyWeakTimeliness:
		return p.cfg.Weak

	case StrategyMarketAware:
		return p.resolveMarketAware(ctx, market)

	case StrategyAdaptive:
		return p.resolveAdaptive(key)

	case StrategyNoCache:
		return 0

	default:
		// Unknown strategies get the conservative short TTL
		return p.cfg.Strong
	}
}

// resolveMarketAware must re-resolve on every call: session state changes
// independent of any cache entry.
func (p *TTLPolicy) resolveMarketAware(ctx context.Context, market string) time.Duration {
	if p.market == nil {
		return p.cfg.MarketOpen
	}

	state, err := p.market.Status(ctx, market)
	if err != nil {
		// Unknown session state: favor freshness over cache efficiency
		if p.logger != nil {
			p.logger.LogWarn(ctx, "market status unavailable, using short TTL",
				"market", market, "error", err)
		}
		return p.cfg.MarketOpen
	}

	if state.IsOpen {
		return p.cfg.MarketOpen
	}
	return p.cfg.MarketIdle
}

// resolveAdaptive shortens the TTL for keys whose values change often and
// lengthens it for stable ones, bounded to [AdaptiveMin, AdaptiveMax].
func (p *TTLPolicy) resolveAdaptive(key string) time.Duration {
	p.mu.Lock()
	t, ok := p.trackers[key]
	p.mu.Unlock()

	if !ok || t.ewmaInterval() <= 0 {
		return clampDuration(p.cfg.AdaptiveBase, p.cfg.AdaptiveMin, p.cfg.AdaptiveMax)
	}

	// TTL at half the observed change interval keeps entries ahead of churn
	ttl := t.ewmaInterval() / 2
	return clampDuration(ttl, p.cfg.AdaptiveMin, p.cfg.AdaptiveMax)
}

// ObserveRefresh feeds the adaptive strategy: callers report after each
// refresh whether the fetched value differed from the cached one.
func (p *TTLPolicy) ObserveRefresh(key string, changed bool) {
	p.mu.Lock()
	t, ok := p.trackers[key]
	if !ok {
		t = newChangeTracker()
		p.trackers[key] = t
	}
	p.mu.Unlock()

	t.observe(changed)
}

const changeEwmaAlpha = 0.3

// changeTracker smooths the interval between observed value changes.
type changeTracker struct {
	mu         sync.Mutex
	lastChange time.Time
	ewma       time.Duration
	now        func() time.Time
}

func newChangeTracker() *changeTracker {
	return &changeTracker{now: time.Now}
}

func (t *changeTracker) observe(changed bool) {
	if !changed {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.lastChange.IsZero() {
		interval := now.Sub(t.lastChange)
		if t.ewma == 0 {
			t.ewma = interval
		} else {
			t.ewma = time.Duration(changeEwmaAlpha*float64(interval) + (1-changeEwmaAlpha)*float64(t.ewma))
		}
	}
	t.lastChange = now
}

func (t *changeTracker) ewmaInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ewma
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
