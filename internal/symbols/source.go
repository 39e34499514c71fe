package symbols

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aoxiansheng/stock-api-sub020/internal/platform/resilience"
)

// ErrRuleSourceUnavailable signals the mapping-rule store could not be
// reached. The transformer absorbs it by passing symbols through
// unchanged; it never propagates out of a transform call.
var ErrRuleSourceUnavailable = errors.New("symbols: rule source unavailable")

// Source is the ground truth for provider mapping rules.
type Source interface {
	RuleSet(ctx context.Context, provider string) ([]MappingRule, error)
}

// StaticSource serves rules from an in-memory table. Used for
// config-driven deployments and tests.
type StaticSource struct {
	mu    sync.RWMutex
	rules map[string][]MappingRule
}

// NewStaticSource creates a source over a provider -> rules table.
func NewStaticSource(rules map[string][]MappingRule) *StaticSource {
	if rules == nil {
		rules = make(map[string][]MappingRule)
	}
	return &StaticSource{rules: rules}
}

// RuleSet returns the provider's rules, empty when unknown.
func (s *StaticSource) RuleSet(_ context.Context, provider string) ([]MappingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MappingRule(nil), s.rules[provider]...), nil
}

// SetRules replaces a provider's rules.
func (s *StaticSource) SetRules(provider string, rules []MappingRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[provider] = rules
}

// resilientSource wraps a Source with rate limiting, retry and a circuit
// breaker, composed explicitly rather than via annotations.
type resilientSource struct {
	inner   Source
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
}

// NewResilientSource composes rate-limit, retry and circuit-breaker
// policies around a rule source. limiter may be nil.
func NewResilientSource(inner Source, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter) Source {
	return &resilientSource{inner: inner, retry: retry, breaker: breaker, limiter: limiter}
}

func (r *resilientSource) RuleSet(ctx context.Context, provider string) ([]MappingRule, error) {
	rules, err := resilience.RetryIfWithResult(ctx, r.retry, resilience.IsRetryable,
		func(ctx context.Context) ([]MappingRule, error) {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}
			return resilience.ExecuteWithResult(r.breaker, ctx,
				func(ctx context.Context) ([]MappingRule, error) {
					return r.inner.RuleSet(ctx, provider)
				})
		})
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", ErrRuleSourceUnavailable, provider, err)
	}
	return rules, nil
}
