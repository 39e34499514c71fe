package symbols

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/observability"
)

// countingSource tracks rule-store round trips and can be failed on
// demand.
type countingSource struct {
	rules map[string][]MappingRule
	fail  atomic.Bool
	calls atomic.Int64
}

func (s *countingSource) RuleSet(_ context.Context, provider string) ([]MappingRule, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("rule store down")
	}
	return s.rules[provider], nil
}

func longportRules() []MappingRule {
	return []MappingRule{
		{StandardSymbol: "700.HK", ProviderSymbol: "00700", Market: "HK", IsActive: true},
		{StandardSymbol: "9988.HK", ProviderSymbol: "09988", Market: "HK", IsActive: true},
		{StandardSymbol: "OLD.HK", ProviderSymbol: "00001", Market: "HK", IsActive: false},
	}
}

func newTestTransformer(t *testing.T, source Source) *Transformer {
	t.Helper()
	logger := observability.NewLogger("error", "text")
	return NewTransformer(DefaultTransformerConfig(), source, logger, nil)
}

func TestTransformerBidirectionalMapping(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	got, err := tr.TransformSingleSymbol(ctx, "longport", "700.HK", FromStandard)
	if err != nil {
		t.Fatalf("TransformSingleSymbol failed: %v", err)
	}
	if got != "00700" {
		t.Errorf("Expected %q, got %q", "00700", got)
	}

	got, err = tr.TransformSingleSymbol(ctx, "longport", "00700", ToStandard)
	if err != nil {
		t.Fatalf("TransformSingleSymbol failed: %v", err)
	}
	if got != "700.HK" {
		t.Errorf("Expected %q, got %q", "700.HK", got)
	}

	t.Log("✓ Rules apply in both directions")
}

func TestTransformerL2CachingAvoidsSourceCalls(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tr.TransformSingleSymbol(ctx, "longport", "700.HK", FromStandard); err != nil {
			t.Fatalf("TransformSingleSymbol failed: %v", err)
		}
	}

	if got := source.calls.Load(); got != 1 {
		t.Errorf("Expected 1 rule-store call, got %d", got)
	}

	stats := tr.Stats()
	if stats.L2.Hits != 4 {
		t.Errorf("Expected 4 L2 hits, got %d", stats.L2.Hits)
	}

	t.Log("✓ Repeated lookups resolve from L2 without the rule store")
}

func TestTransformerBatchIdempotent(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	symbols := []string{"700.HK", "9988.HK"}

	first, err := tr.TransformSymbols(ctx, "longport", symbols, FromStandard)
	if err != nil {
		t.Fatalf("First batch failed: %v", err)
	}
	second, err := tr.TransformSymbols(ctx, "longport", symbols, FromStandard)
	if err != nil {
		t.Fatalf("Second batch failed: %v", err)
	}

	if len(second.MappingDetails) != len(first.MappingDetails) {
		t.Errorf("Expected identical mappings, got %d and %d", len(first.MappingDetails), len(second.MappingDetails))
	}
	for k, v := range first.MappingDetails {
		if second.MappingDetails[k] != v {
			t.Errorf("Mapping %q: expected %q, got %q", k, v, second.MappingDetails[k])
		}
	}
	if second.CacheHits != second.TotalProcessed {
		t.Errorf("Expected full cache hit on repeat batch, got %d/%d", second.CacheHits, second.TotalProcessed)
	}
	if got := source.calls.Load(); got != 1 {
		t.Errorf("Expected 1 rule-store call across both batches, got %d", got)
	}

	t.Log("✓ Identical batches are idempotent and served from L3")
}

func TestTransformerBatchKeyOrderInsensitive(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	if _, err := tr.TransformSymbols(ctx, "longport", []string{"700.HK", "9988.HK"}, FromStandard); err != nil {
		t.Fatalf("First batch failed: %v", err)
	}

	reordered, err := tr.TransformSymbols(ctx, "longport", []string{"9988.HK", "700.HK"}, FromStandard)
	if err != nil {
		t.Fatalf("Reordered batch failed: %v", err)
	}
	if reordered.CacheHits != reordered.TotalProcessed {
		t.Errorf("Expected reordered batch to hit L3, got %d/%d hits", reordered.CacheHits, reordered.TotalProcessed)
	}

	t.Log("✓ Batch cache key ignores input order")
}

func TestTransformerPartialFailureIsolation(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	result, err := tr.TransformSymbols(ctx, "longport",
		[]string{"700.HK", "", "   ", "bad$symbol", "tsla.us"}, FromStandard)
	if err != nil {
		t.Fatalf("TransformSymbols failed: %v", err)
	}

	// Empty and whitespace-only entries are skipped, not counted
	if result.TotalProcessed != 3 {
		t.Errorf("Expected 3 processed symbols, got %d", result.TotalProcessed)
	}
	if result.MappingDetails["700.HK"] != "00700" {
		t.Errorf("Expected rule mapping for 700.HK, got %q", result.MappingDetails["700.HK"])
	}
	// No rule for tsla.us: deterministic uppercase fallback
	if result.MappingDetails["tsla.us"] != "TSLA.US" {
		t.Errorf("Expected fallback conversion TSLA.US, got %q", result.MappingDetails["tsla.us"])
	}
	if len(result.FailedSymbols) != 1 || result.FailedSymbols[0] != "bad$symbol" {
		t.Errorf("Expected only bad$symbol to fail, got %v", result.FailedSymbols)
	}

	t.Log("✓ Unmappable symbols fail individually without aborting the batch")
}

func TestTransformerCaseDistinctSymbolsDoNotCollide(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	// Prime the uppercase symbol so its rule mapping lands in L2
	got, err := tr.TransformSingleSymbol(ctx, "longport", "700.HK", FromStandard)
	if err != nil {
		t.Fatalf("TransformSingleSymbol failed: %v", err)
	}
	if got != "00700" {
		t.Fatalf("Expected %q, got %q", "00700", got)
	}

	// The lowercase variant has no rule; it must take the fallback
	// conversion regardless of what is cached for the uppercase symbol
	for i := 0; i < 2; i++ {
		got, err = tr.TransformSingleSymbol(ctx, "longport", "700.hk", FromStandard)
		if err != nil {
			t.Fatalf("TransformSingleSymbol failed on pass %d: %v", i, err)
		}
		if got != "700.HK" {
			t.Errorf("Pass %d: expected fallback 700.HK, got %q", i, got)
		}
	}

	t.Log("✓ Case-distinct symbols resolve independently of cache state")
}

func TestTransformerInactiveRulesIgnored(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)

	// OLD.HK's rule is inactive, so the fallback conversion applies
	got, err := tr.TransformSingleSymbol(context.Background(), "longport", "old.hk", FromStandard)
	if err != nil {
		t.Fatalf("TransformSingleSymbol failed: %v", err)
	}
	if got != "OLD.HK" {
		t.Errorf("Expected fallback OLD.HK, got %q", got)
	}

	t.Log("✓ Inactive rules do not participate in mapping")
}

func TestTransformerDegradedPassthrough(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	source.fail.Store(true)
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	result, err := tr.TransformSymbols(ctx, "longport", []string{"700.HK", "whatever"}, FromStandard)
	if err != nil {
		t.Fatalf("Expected degraded success, got error: %v", err)
	}
	if result.MappingDetails["700.HK"] != "700.HK" || result.MappingDetails["whatever"] != "whatever" {
		t.Errorf("Expected pass-through mappings, got %v", result.MappingDetails)
	}
	if len(result.FailedSymbols) != 0 {
		t.Errorf("Expected no failures in degraded mode, got %v", result.FailedSymbols)
	}

	// Degraded batches are not cached: a recovered source is used next time
	source.fail.Store(false)
	recovered, err := tr.TransformSymbols(ctx, "longport", []string{"700.HK", "whatever"}, FromStandard)
	if err != nil {
		t.Fatalf("Recovered batch failed: %v", err)
	}
	if recovered.MappingDetails["700.HK"] != "00700" {
		t.Errorf("Expected real mapping after recovery, got %q", recovered.MappingDetails["700.HK"])
	}

	t.Log("✓ Rule-store outage degrades to pass-through, recovery is picked up")
}

func TestTransformerEmptyBatch(t *testing.T) {
	source := &countingSource{}
	tr := newTestTransformer(t, source)

	result, err := tr.TransformSymbols(context.Background(), "longport", nil, FromStandard)
	if err != nil {
		t.Fatalf("Empty batch failed: %v", err)
	}
	if result.TotalProcessed != 0 || len(result.MappingDetails) != 0 || len(result.FailedSymbols) != 0 {
		t.Errorf("Expected empty successful result, got %+v", result)
	}
	if source.calls.Load() != 0 {
		t.Errorf("Expected no rule-store calls for empty batch, got %d", source.calls.Load())
	}

	t.Log("✓ Empty input yields a successful empty result")
}

func TestTransformerUnknownDirection(t *testing.T) {
	tr := newTestTransformer(t, &countingSource{})

	if _, err := tr.TransformSymbols(context.Background(), "longport", []string{"700.HK"}, Direction("sideways")); err == nil {
		t.Error("Expected error for unknown direction")
	}
	if _, err := tr.TransformSingleSymbol(context.Background(), "longport", "700.HK", Direction("sideways")); err == nil {
		t.Error("Expected error for unknown direction")
	}

	t.Log("✓ Unknown directions are rejected")
}

func TestTransformerSingleSymbolNotMappable(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)

	_, err := tr.TransformSingleSymbol(context.Background(), "longport", "bad$symbol", FromStandard)
	if !errors.Is(err, ErrSymbolNotMappable) {
		t.Errorf("Expected ErrSymbolNotMappable, got %v", err)
	}

	_, err = tr.TransformSingleSymbol(context.Background(), "longport", "   ", FromStandard)
	if !errors.Is(err, ErrSymbolNotMappable) {
		t.Errorf("Expected ErrSymbolNotMappable for blank symbol, got %v", err)
	}

	t.Log("✓ Unresolvable single symbols fail with ErrSymbolNotMappable")
}

func TestTransformerInvalidateProviderForcesReload(t *testing.T) {
	source := &countingSource{rules: map[string][]MappingRule{"longport": longportRules()}}
	tr := newTestTransformer(t, source)
	ctx := context.Background()

	if _, err := tr.TransformSingleSymbol(ctx, "longport", "700.HK", FromStandard); err != nil {
		t.Fatalf("TransformSingleSymbol failed: %v", err)
	}
	if source.calls.Load() != 1 {
		t.Fatalf("Expected 1 rule-store call, got %d", source.calls.Load())
	}

	tr.InvalidateProvider("longport")

	// A symbol not yet in L2 must trigger a fresh rule-set load
	if _, err := tr.TransformSingleSymbol(ctx, "longport", "9988.HK", FromStandard); err != nil {
		t.Fatalf("TransformSingleSymbol failed: %v", err)
	}
	if source.calls.Load() != 2 {
		t.Errorf("Expected reload after invalidation, calls %d", source.calls.Load())
	}

	t.Log("✓ Provider invalidation forces a rule-set reload")
}
