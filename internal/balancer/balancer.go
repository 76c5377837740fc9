// Package balancer selects a live provider credential from the pool.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

var (
	// ErrNoEligibleKey matches any *NoEligibleKeyError via errors.Is.
	ErrNoEligibleKey = errors.New("no eligible provider key")
	// ErrUnknownStrategy is returned for a strategy name with no implementation.
	ErrUnknownStrategy = errors.New("unknown selection strategy")
)

// NoEligibleKeyError reports that a provider has no active, non-unhealthy key.
// Callers surface it as a retryable upstream-unavailable condition.
type NoEligibleKeyError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *NoEligibleKeyError) Error() string {
	return fmt.Sprintf("no eligible key for provider %q", e.Provider)
}

// Is makes errors.Is(err, ErrNoEligibleKey) true.
func (e *NoEligibleKeyError) Is(target error) bool {
	return target == ErrNoEligibleKey
}

// Retryable is always true: the pool may recover on a later prober pass.
func (e *NoEligibleKeyError) Retryable() bool {
	return true
}

// Source is the read side of the credential pool used by the selector.
type Source interface {
	// Eligible returns a point-in-time copy of a provider's selectable keys.
	Eligible(provider string) []pool.Candidate
	// Checkout returns the credential of a picked key and stamps its last use.
	Checkout(id string) (pool.Credential, error)
}

// Config holds selector configuration.
type Config struct {
	// Strategy is the default strategy used by Select.
	Strategy StrategyName
	// RetryAfter is the hint attached to NoEligibleKeyError.
	RetryAfter time.Duration
	// Seed seeds the random strategies. Zero uses the current time.
	Seed int64
}

// Selector picks credentials using one of the registered strategies.
// It holds no lock across a request; each call works on a fresh snapshot.
type Selector struct {
	source     Source
	strategies map[StrategyName]Strategy
	def        StrategyName
	retryAfter time.Duration
}

// New creates a Selector with every built-in strategy registered.
func New(src Source, cfg Config) (*Selector, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Selector{
		source:     src,
		strategies: make(map[StrategyName]Strategy),
		retryAfter: cfg.RetryAfter,
	}
	s.Register(NewRoundRobin())
	s.Register(NewWeightedRoundRobin())
	s.Register(NewWeightedRandom(seed))
	s.Register(NewHealthBest(seed + 1))

	if _, ok := s.strategies[cfg.Strategy]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
	s.def = cfg.Strategy
	return s, nil
}

// Register adds or replaces a strategy.
func (s *Selector) Register(st Strategy) {
	s.strategies[st.Name()] = st
}

// Strategy returns the default strategy name.
func (s *Selector) Strategy() StrategyName {
	return s.def
}

// Select picks a credential for provider with the default strategy.
func (s *Selector) Select(ctx context.Context, provider string) (pool.Credential, error) {
	return s.SelectWith(ctx, provider, s.def)
}

// SelectWith picks a credential for provider with the named strategy.
//
// A cancelled context aborts before any pool side effect. If the picked key
// is deleted or loses eligibility between snapshot and checkout, one fresh
// snapshot without that key is tried before giving up. Each call advances a
// rotating strategy's cursor at most once.
func (s *Selector) SelectWith(ctx context.Context, provider string, name StrategyName) (pool.Credential, error) {
	strategy, ok := s.strategies[name]
	if !ok {
		return pool.Credential{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	provider = pool.NormalizeProvider(provider)

	if err := ctx.Err(); err != nil {
		return pool.Credential{}, err
	}
	candidates := s.source.Eligible(provider)
	if len(candidates) == 0 {
		return s.noEligible(provider)
	}
	picked, err := strategy.Pick(provider, candidates)
	if err != nil {
		return pool.Credential{}, err
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return pool.Credential{}, err
		}

		cred, err := s.source.Checkout(picked.ID)
		if err == nil {
			metrics.Selections.WithLabelValues(provider, string(name)).Inc()
			logger.LogSelection(provider, cred.ID, string(name), len(candidates))
			return cred, nil
		}
		if !errors.Is(err, pool.ErrKeyNotFound) && !errors.Is(err, pool.ErrKeyNotEligible) {
			return pool.Credential{}, err
		}
		logger.Trace("selection_retry", "provider", provider, "key_id", picked.ID, "reason", err.Error())
		if attempt > 0 {
			break
		}

		fresh := without(s.source.Eligible(provider), picked.ID)
		if len(fresh) == 0 {
			break
		}
		if _, ok := strategy.(rotator); ok {
			picked = successor(candidates, fresh, picked.ID)
		} else if picked, err = strategy.Pick(provider, fresh); err != nil {
			return pool.Credential{}, err
		}
		candidates = fresh
	}

	return s.noEligible(provider)
}

func (s *Selector) noEligible(provider string) (pool.Credential, error) {
	metrics.NoEligibleKey.WithLabelValues(provider).Inc()
	return pool.Credential{}, &NoEligibleKeyError{Provider: provider, RetryAfter: s.retryAfter}
}

// without returns candidates minus the key id.
func without(candidates []pool.Candidate, id string) []pool.Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

// successor returns the first key of fresh that follows failedID in the
// order of prev, wrapping around.
func successor(prev, fresh []pool.Candidate, failedID string) pool.Candidate {
	byID := make(map[string]pool.Candidate, len(fresh))
	for _, c := range fresh {
		byID[c.ID] = c
	}
	start := 0
	for i, c := range prev {
		if c.ID == failedID {
			start = i
			break
		}
	}
	for i := 1; i <= len(prev); i++ {
		if c, ok := byID[prev[(start+i)%len(prev)].ID]; ok {
			return c
		}
	}
	return fresh[0]
}
