// Package symbols implements the provider symbol mapping pipeline: a
// three-tier cached transformer that converts between standard and
// provider-native symbol formats.
package symbols

import "time"

// Direction selects which way a symbol is translated.
type Direction string

const (
	// ToStandard converts a provider-native symbol to the standard form
	ToStandard Direction = "to_standard"
	// FromStandard converts a standard symbol to the provider-native form
	FromStandard Direction = "from_standard"
)

// MappingRule maps one standard symbol to one provider symbol.
// Immutable once fetched; within one provider the standard symbol is
// unique among active rules.
type MappingRule struct {
	StandardSymbol string `json:"standardSymbol"`
	ProviderSymbol string `json:"providerSymbol"`
	Market         string `json:"market,omitempty"`
	SymbolType     string `json:"symbolType,omitempty"`
	IsActive       bool   `json:"isActive"`
	Description    string `json:"description,omitempty"`
}

// RuleSet is a provider's full rule set, the unit cached at L1.
// Replaced atomically on refresh; readers never see partial mutation.
type RuleSet struct {
	Provider  string        `json:"provider"`
	Rules     []MappingRule `json:"rules"`
	Version   int64         `json:"version"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

// lookup builds the direction-specific exact-match index over active
// rules.
func (rs *RuleSet) lookup(direction Direction) map[string]string {
	m := make(map[string]string, len(rs.Rules))
	for _, rule := range rs.Rules {
		if !rule.IsActive {
			continue
		}
		switch direction {
		case ToStandard:
			m[rule.ProviderSymbol] = rule.StandardSymbol
		case FromStandard:
			m[rule.StandardSymbol] = rule.ProviderSymbol
		}
	}
	return m
}

// BatchResult aggregates one transform call. Never persisted beyond the
// L3 cache TTL.
type BatchResult struct {
	MappingDetails   map[string]string `json:"mappingDetails"`
	FailedSymbols    []string          `json:"failedSymbols"`
	Provider         string            `json:"provider"`
	Direction        Direction         `json:"direction"`
	TotalProcessed   int               `json:"totalProcessed"`
	CacheHits        int               `json:"cacheHits"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

// clone returns a copy safe for callers to mutate.
func (r *BatchResult) clone() *BatchResult {
	out := *r
	out.MappingDetails = make(map[string]string, len(r.MappingDetails))
	for k, v := range r.MappingDetails {
		out.MappingDetails[k] = v
	}
	out.FailedSymbols = append([]string(nil), r.FailedSymbols...)
	return &out
}
