package balancer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

// errNoCandidates is returned by a strategy handed an empty set.
var errNoCandidates = errors.New("no candidates")

// StrategyName identifies a selection strategy.
type StrategyName string

const (
	// RoundRobin cycles through eligible keys, one cursor per provider.
	RoundRobin StrategyName = "round_robin"
	// WeightedRoundRobin cycles through eligible keys, each repeated weight times.
	WeightedRoundRobin StrategyName = "weighted_round_robin"
	// Weighted picks at random with probability weight/sum(weights).
	Weighted StrategyName = "weighted"
	// HealthBest prefers the healthy tier and picks by weight inside it.
	HealthBest StrategyName = "health_best"
)

// Strategies lists the built-in strategy names.
var Strategies = []StrategyName{RoundRobin, WeightedRoundRobin, Weighted, HealthBest}

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (StrategyName, error) {
	name := StrategyName(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Strategies {
		if name == known {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Strategy is a pure decision over a candidate snapshot.
type Strategy interface {
	// Name returns the strategy name.
	Name() StrategyName
	// Pick chooses one of candidates. candidates is never retained.
	Pick(provider string, candidates []pool.Candidate) (pool.Candidate, error)
}

// rotator is implemented by strategies that keep a shared cursor. The
// selector never calls Pick twice on one of them for a single request.
type rotator interface {
	rotates()
}

// cursors holds one monotonically advancing cursor per provider.
type cursors struct {
	m sync.Map // provider -> *atomic.Uint64
}

func (c *cursors) next(provider string) uint64 {
	v, ok := c.m.Load(provider)
	if !ok {
		v, _ = c.m.LoadOrStore(provider, new(atomic.Uint64))
	}
	return v.(*atomic.Uint64).Add(1) - 1
}

// RoundRobinStrategy advances exactly one position per call. The cursor is
// reduced modulo the current set size, so membership changes clamp into
// range instead of failing.
type RoundRobinStrategy struct {
	cursors cursors
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) Name() StrategyName { return RoundRobin }

func (s *RoundRobinStrategy) rotates() {}

func (s *RoundRobinStrategy) Pick(provider string, candidates []pool.Candidate) (pool.Candidate, error) {
	if len(candidates) == 0 {
		return pool.Candidate{}, errNoCandidates
	}
	n := s.cursors.next(provider)
	return candidates[n%uint64(len(candidates))], nil
}

// WeightedRoundRobinStrategy walks the weight-expanded sequence without
// materializing it: key A (weight 2) and B (weight 1) yield A, A, B.
type WeightedRoundRobinStrategy struct {
	cursors cursors
}

// NewWeightedRoundRobin creates a weighted round-robin strategy.
func NewWeightedRoundRobin() *WeightedRoundRobinStrategy {
	return &WeightedRoundRobinStrategy{}
}

func (s *WeightedRoundRobinStrategy) Name() StrategyName { return WeightedRoundRobin }

func (s *WeightedRoundRobinStrategy) rotates() {}

func (s *WeightedRoundRobinStrategy) Pick(provider string, candidates []pool.Candidate) (pool.Candidate, error) {
	total := totalWeight(candidates)
	if total == 0 {
		return pool.Candidate{}, errNoCandidates
	}
	slot := int(s.cursors.next(provider) % uint64(total))
	return byCumulativeWeight(candidates, slot), nil
}

// lockedRand is a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// WeightedRandomStrategy picks with probability weight/sum(weights) over all
// eligible keys regardless of tier.
type WeightedRandomStrategy struct {
	rnd *lockedRand
}

// NewWeightedRandom creates a weighted random strategy.
func NewWeightedRandom(seed int64) *WeightedRandomStrategy {
	return &WeightedRandomStrategy{rnd: newLockedRand(seed)}
}

func (s *WeightedRandomStrategy) Name() StrategyName { return Weighted }

func (s *WeightedRandomStrategy) Pick(_ string, candidates []pool.Candidate) (pool.Candidate, error) {
	return pickWeighted(s.rnd, candidates)
}

// HealthBestStrategy partitions candidates into healthy and degraded tiers
// and picks by weight inside the healthy tier, falling back to the degraded
// tier only when no healthy key is eligible. The draw decides which weight
// wins; among keys sharing that weight the least recently used one is
// returned, so equal keys take turns while each weight class keeps its
// weight/sum share.
type HealthBestStrategy struct {
	rnd *lockedRand
}

// NewHealthBest creates a health-best strategy.
func NewHealthBest(seed int64) *HealthBestStrategy {
	return &HealthBestStrategy{rnd: newLockedRand(seed)}
}

func (s *HealthBestStrategy) Name() StrategyName { return HealthBest }

func (s *HealthBestStrategy) Pick(_ string, candidates []pool.Candidate) (pool.Candidate, error) {
	healthy := make([]pool.Candidate, 0, len(candidates))
	degraded := make([]pool.Candidate, 0)
	for _, c := range candidates {
		switch c.Health {
		case pool.HealthHealthy:
			healthy = append(healthy, c)
		case pool.HealthDegraded:
			degraded = append(degraded, c)
		}
	}

	tier := healthy
	if len(tier) == 0 {
		tier = degraded
	}
	if len(tier) == 0 {
		return pool.Candidate{}, errNoCandidates
	}

	picked, err := pickWeighted(s.rnd, tier)
	if err != nil {
		return pool.Candidate{}, err
	}
	return leastRecentlyUsed(tier, picked), nil
}

// leastRecentlyUsed returns the key last used longest ago among those with
// picked's weight. Listing order breaks an exact tie.
func leastRecentlyUsed(candidates []pool.Candidate, picked pool.Candidate) pool.Candidate {
	best := picked
	for _, c := range candidates {
		if c.Weight == picked.Weight && c.LastUsed.Before(best.LastUsed) {
			best = c
		}
	}
	for _, c := range candidates {
		if c.Weight == picked.Weight && c.LastUsed.Equal(best.LastUsed) {
			return c
		}
	}
	return best
}

func pickWeighted(rnd *lockedRand, candidates []pool.Candidate) (pool.Candidate, error) {
	total := totalWeight(candidates)
	if total == 0 {
		return pool.Candidate{}, errNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return byCumulativeWeight(candidates, rnd.Intn(total)), nil
}

// totalWeight sums positive weights, saturating at math.MaxInt.
func totalWeight(candidates []pool.Candidate) int {
	total := 0
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		if c.Weight > math.MaxInt-total {
			return math.MaxInt
		}
		total += c.Weight
	}
	return total
}

// byCumulativeWeight returns the candidate whose cumulative weight range
// contains slot. slot must be in [0, totalWeight).
func byCumulativeWeight(candidates []pool.Candidate, slot int) pool.Candidate {
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		if slot < c.Weight {
			return c
		}
		slot -= c.Weight
	}
	return candidates[len(candidates)-1]
}
