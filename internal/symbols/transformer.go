package symbols

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aoxiansheng/stock-api-sub020/internal/cache"
	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
)

// ErrSymbolNotMappable is returned by TransformSingleSymbol when a
// symbol resolves to neither a rule nor the fallback conversion. The
// batch path records such symbols in FailedSymbols instead.
var ErrSymbolNotMappable = errors.New("symbols: symbol not mappable")

// symbolPattern is the charset a symbol must match for the fallback
// conversion to apply.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._\-]*$`)

const (
	l2KeyPrefix = "sym"
	l3KeyPrefix = "symbatch"
)

// TransformerConfig sizes the three tiers and their TTLs.
type TransformerConfig struct {
	RuleSetMaxEntries int           // L1
	SymbolMaxEntries  int           // L2
	BatchMaxEntries   int           // L3
	RuleSetTTL        time.Duration
	SymbolTTL         time.Duration
	BatchTTL          time.Duration
	SourceTimeout     time.Duration
}

// DefaultTransformerConfig returns transformer defaults.
func DefaultTransformerConfig() TransformerConfig {
	return TransformerConfig{
		RuleSetMaxEntries: 100,
		SymbolMaxEntries:  10000,
		BatchMaxEntries:   1000,
		RuleSetTTL:        10 * time.Minute,
		SymbolTTL:         10 * time.Minute,
		BatchTTL:          2 * time.Minute,
		SourceTimeout:     3 * time.Second,
	}
}

// TransformerStats is a snapshot of transformer counters.
type TransformerStats struct {
	L1 cache.TierStats `json:"l1"`
	L2 cache.TierStats `json:"l2"`
	L3 cache.TierStats `json:"l3"`

	TotalQueries int64 `json:"total_queries"`
	SourceCalls  int64 `json:"source_calls"`
}

// Transformer converts symbols between standard and provider-native
// forms through three cache tiers: L1 provider rule sets, L2 single
// symbol translations, L3 whole-batch results. Rule-store outages
// degrade to pass-through, never to a failed batch.
type Transformer struct {
	cfg     TransformerConfig
	source  Source
	l1      *cache.MemoryCache
	l2      *cache.MemoryCache
	l3      *cache.MemoryCache
	logger  *observability.Logger
	metrics *observability.Metrics

	totalQueries atomic.Int64
	sourceCalls  atomic.Int64
	version      atomic.Int64
}

// NewTransformer creates a transformer over a rule source.
func NewTransformer(cfg TransformerConfig, source Source, logger *observability.Logger, metrics *observability.Metrics) *Transformer {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 3 * time.Second
	}

	return &Transformer{
		cfg:     cfg,
		source:  source,
		l1:      cache.NewMemoryCache(cfg.RuleSetMaxEntries),
		l2:      cache.NewMemoryCache(cfg.SymbolMaxEntries),
		l3:      cache.NewMemoryCache(cfg.BatchMaxEntries),
		logger:  logger,
		metrics: metrics,
	}
}

// TransformSymbols translates a batch of symbols. Invalid entries (empty
// or whitespace-only) are silently skipped; a symbol that cannot be
// resolved lands in FailedSymbols without aborting the batch. Empty
// input yields a successful empty result.
func (t *Transformer) TransformSymbols(ctx context.Context, provider string, symbols []string, direction Direction) (*BatchResult, error) {
	if direction != ToStandard && direction != FromStandard {
		return nil, fmt.Errorf("symbols: unknown direction %q", direction)
	}

	start := time.Now()
	t.totalQueries.Add(1)

	valid := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			valid = append(valid, trimmed)
		}
	}

	result := &BatchResult{
		MappingDetails: make(map[string]string, len(valid)),
		FailedSymbols:  []string{},
		Provider:       provider,
		Direction:      direction,
		TotalProcessed: len(valid),
	}

	if len(valid) == 0 {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		return result, nil
	}

	// L3: whole-batch short-circuit
	batchKey := t.batchKey(provider, direction, valid)
	if cached, err := t.l3.Get(batchKey); err == nil {
		if t.metrics != nil {
			t.metrics.RecordCacheHit(ctx, "l3")
		}
		out := cached.(*BatchResult).clone()
		out.CacheHits = out.TotalProcessed - len(out.FailedSymbols)
		out.ProcessingTimeMs = time.Since(start).Milliseconds()
		return out, nil
	}
	if t.metrics != nil {
		t.metrics.RecordCacheMiss(ctx, "l3")
	}

	var rules *ruleLookupState
	for _, symbol := range valid {
		mapped, fromCache, ok := t.resolveSymbol(ctx, provider, symbol, direction, &rules)
		if !ok {
			result.FailedSymbols = append(result.FailedSymbols, symbol)
			continue
		}
		result.MappingDetails[symbol] = mapped
		if fromCache {
			result.CacheHits++
		}
	}

	// Cache the batch only when it was not degraded by a source outage,
	// so a recovered source is picked up on the next call
	if rules == nil || !rules.degraded {
		t.l3.Set(batchKey, result.clone(), t.cfg.BatchTTL)
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	if t.metrics != nil {
		if t.metrics.TransformDuration != nil {
			t.metrics.TransformDuration.Record(ctx, time.Since(start).Seconds())
		}
		if t.metrics.TransformBatch != nil {
			t.metrics.TransformBatch.Add(ctx, int64(result.TotalProcessed))
		}
	}

	return result, nil
}

// TransformSingleSymbol translates one symbol, failing with
// ErrSymbolNotMappable when it cannot be resolved.
func (t *Transformer) TransformSingleSymbol(ctx context.Context, provider, symbol string, direction Direction) (string, error) {
	if direction != ToStandard && direction != FromStandard {
		return "", fmt.Errorf("symbols: unknown direction %q", direction)
	}

	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrSymbolNotMappable)
	}

	t.totalQueries.Add(1)

	var rules *ruleLookupState
	mapped, _, ok := t.resolveSymbol(ctx, provider, trimmed, direction, &rules)
	if !ok {
		return "", fmt.Errorf("%w: %q for provider %s", ErrSymbolNotMappable, symbol, provider)
	}
	return mapped, nil
}

// InvalidateProvider drops a provider's cached rule set, forcing a
// source reload on next use. Called when rules change upstream. Cached
// L2/L3 translations age out by TTL.
func (t *Transformer) InvalidateProvider(provider string) {
	t.l1.Delete(provider)
}

// ClearAll flushes every tier. Administrative reset only.
func (t *Transformer) ClearAll() {
	t.l1.Clear()
	t.l2.Clear()
	t.l3.Clear()
}

// Stats returns per-tier and aggregate counters.
func (t *Transformer) Stats() TransformerStats {
	return TransformerStats{
		L1:           t.l1.Stats(),
		L2:           t.l2.Stats(),
		L3:           t.l3.Stats(),
		TotalQueries: t.totalQueries.Load(),
		SourceCalls:  t.sourceCalls.Load(),
	}
}

// RegisterTiers adds the transformer's tiers to an eviction manager.
func (t *Transformer) RegisterTiers(m *cache.EvictionManager) {
	m.Register("symbols_l1", t.l1)
	m.Register("symbols_l2", t.l2)
	m.Register("symbols_l3", t.l3)
}

// WarmupProvider returns a warmup provider preloading the given
// providers' rule sets into L1.
func (t *Transformer) WarmupProvider(providers []string) cache.WarmupProvider {
	return &ruleWarmup{t: t, providers: providers}
}

// ruleLookupState lazily loads a provider's rule index once per batch.
type ruleLookupState struct {
	index    map[string]string
	fromL1   bool
	degraded bool
}

// resolveSymbol runs the per-symbol L2 -> L1 -> rule/fallback flow.
// fromCache reports whether the symbol resolved without a rule-store
// round trip.
func (t *Transformer) resolveSymbol(ctx context.Context, provider, symbol string, direction Direction, rules **ruleLookupState) (mapped string, fromCache, ok bool) {
	// Rule matching is case-sensitive exact match, so the raw symbol is
	// the cache identity; normalizing it would collide case-distinct
	// symbols onto one entry. Symbols the key codec rejects (embedded
	// delimiter or whitespace) still resolve, just uncached.
	l2Key, keyErr := cache.BuildKey(l2KeyPrefix, cache.NormalizeKey(provider), string(direction), symbol)
	cacheable := keyErr == nil

	if cacheable {
		if v, err := t.l2.Get(l2Key); err == nil {
			if t.metrics != nil {
				t.metrics.RecordCacheHit(ctx, "l2")
			}
			return v.(string), true, true
		}
		if t.metrics != nil {
			t.metrics.RecordCacheMiss(ctx, "l2")
		}
	}

	if *rules == nil {
		*rules = t.loadRules(ctx, provider, direction)
	}
	state := *rules

	if state.degraded {
		// Rule store down: pass the symbol through unchanged so the
		// upstream fetch can proceed best-effort. Not cached in L2.
		return symbol, false, true
	}

	if target, found := state.index[symbol]; found {
		if cacheable {
			t.l2.Set(l2Key, target, t.cfg.SymbolTTL)
		}
		return target, state.fromL1, true
	}

	// No rule: deterministic fallback format conversion
	converted, convOK := fallbackConvert(symbol)
	if !convOK {
		return "", false, false
	}
	if cacheable {
		t.l2.Set(l2Key, converted, t.cfg.SymbolTTL)
	}
	return converted, state.fromL1, true
}

// loadRules returns the provider's rule index, from L1 or the source.
func (t *Transformer) loadRules(ctx context.Context, provider string, direction Direction) *ruleLookupState {
	if v, err := t.l1.Get(provider); err == nil {
		if t.metrics != nil {
			t.metrics.RecordCacheHit(ctx, "l1")
		}
		return &ruleLookupState{index: v.(*RuleSet).lookup(direction), fromL1: true}
	}
	if t.metrics != nil {
		t.metrics.RecordCacheMiss(ctx, "l1")
	}

	ruleSet, err := t.fetchRuleSet(ctx, provider)
	if err != nil {
		t.logger.LogWarn(ctx, "rule source unavailable, passing symbols through",
			"provider", provider, "error", err)
		return &ruleLookupState{degraded: true}
	}

	t.l1.Set(provider, ruleSet, t.cfg.RuleSetTTL)
	return &ruleLookupState{index: ruleSet.lookup(direction)}
}

// fetchRuleSet loads a provider's rules from the source with a timeout.
// The rule set is assembled fully before it becomes visible to readers.
func (t *Transformer) fetchRuleSet(ctx context.Context, provider string) (*RuleSet, error) {
	t.sourceCalls.Add(1)
	if t.metrics != nil && t.metrics.RuleSourceCalls != nil {
		t.metrics.RuleSourceCalls.Add(ctx, 1)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.SourceTimeout)
	defer cancel()

	rules, err := t.source.RuleSet(fetchCtx, provider)
	if err != nil {
		return nil, err
	}

	return &RuleSet{
		Provider:  provider,
		Rules:     rules,
		Version:   t.version.Add(1),
		FetchedAt: time.Now(),
	}, nil
}

// batchKey hashes the sorted input symbol set so equal batches share an
// L3 entry regardless of input order.
func (t *Transformer) batchKey(provider string, direction Direction, symbols []string) string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(direction))
	for _, s := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}

	return l3KeyPrefix + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// fallbackConvert is the deterministic conversion applied when no rule
// matches: uppercase normalization within the symbol charset. Symbols
// outside the charset are unmappable.
func fallbackConvert(symbol string) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(upper) {
		return "", false
	}
	return upper, true
}

// ruleWarmup preloads rule sets at startup.
type ruleWarmup struct {
	t         *Transformer
	providers []string
}

func (w *ruleWarmup) Name() string { return "symbol-rules" }

func (w *ruleWarmup) Warmup(ctx context.Context) error {
	var lastErr error
	for _, provider := range w.providers {
		ruleSet, err := w.t.fetchRuleSet(ctx, provider)
		if err != nil {
			lastErr = err
			continue
		}
		w.t.l1.Set(provider, ruleSet, w.t.cfg.RuleSetTTL)
	}
	return lastErr
}
