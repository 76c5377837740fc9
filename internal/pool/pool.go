package pool

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// entry is one arena cell. id and provider are immutable; every other
// field except lastUsed and removed is guarded by mu.
type entry struct {
	id       string
	provider string

	mu          sync.RWMutex
	secret      string
	weight      int
	status      Status
	health      Health
	failures    uint32
	successes   uint32
	lastProbe   time.Time
	lastErr     string
	lastLatency time.Duration

	lastUsed atomic.Int64 // unix nanos, best effort
	removed  atomic.Bool
}

func (e *entry) eligibleLocked() bool {
	return e.status == StatusActive && e.health != HealthUnhealthy
}

func (e *entry) info() KeyInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := KeyInfo{
		ID:                   e.id,
		Provider:             e.provider,
		SecretHint:           maskSecret(e.secret),
		Weight:               e.weight,
		Status:               e.status,
		Health:               e.health.String(),
		ConsecutiveFailures:  e.failures,
		ConsecutiveSuccesses: e.successes,
		LastProbe:            e.lastProbe,
		LastProbeLatencyMs:   e.lastLatency.Milliseconds(),
		LastError:            e.lastErr,
	}
	if ns := e.lastUsed.Load(); ns != 0 {
		info.LastUsed = time.Unix(0, ns)
	}
	return info
}

func (e *entry) credentialLocked() Credential {
	return Credential{ID: e.id, Provider: e.provider, Secret: e.secret, Weight: e.weight}
}

// index is an immutable membership view. It is replaced, never mutated.
type index struct {
	byID       map[string]*entry
	byProvider map[string][]*entry
	providers  []string
}

func (ix *index) clone() *index {
	next := &index{
		byID:       make(map[string]*entry, len(ix.byID)+1),
		byProvider: make(map[string][]*entry, len(ix.byProvider)+1),
		providers:  append([]string(nil), ix.providers...),
	}
	for id, e := range ix.byID {
		next.byID[id] = e
	}
	for p, list := range ix.byProvider {
		next.byProvider[p] = append([]*entry(nil), list...)
	}
	return next
}

// Pool is the credential arena shared by the selector and the prober.
//
// Membership is published through an atomic pointer so readers never take a
// pool-wide lock; each key carries its own RWMutex for state and counters.
// writeMu only serializes administrative add/remove.
type Pool struct {
	idx     atomic.Pointer[index]
	writeMu sync.Mutex
}

// New creates an empty pool.
func New() *Pool {
	p := &Pool{}
	p.idx.Store(&index{
		byID:       make(map[string]*entry),
		byProvider: make(map[string][]*entry),
	})
	return p
}

// Add inserts a key. An empty id is replaced with a generated uuid, a zero
// weight with DefaultWeight and an empty status with active. New keys start
// healthy.
func (p *Pool) Add(k ProviderKey) (KeyInfo, error) {
	provider := NormalizeProvider(k.Provider)
	if provider == "" {
		return KeyInfo{}, ErrInvalidProvider
	}
	if k.Secret == "" {
		return KeyInfo{}, ErrInvalidSecret
	}
	weight := k.Weight
	if weight == 0 {
		weight = DefaultWeight
	}
	if !ValidWeight(weight) {
		return KeyInfo{}, fmt.Errorf("%w: %d", ErrInvalidWeight, k.Weight)
	}
	status, err := ParseStatus(string(k.Status))
	if err != nil {
		return KeyInfo{}, err
	}
	id := k.ID
	if id == "" {
		id = uuid.NewString()
	}

	e := &entry{
		id:       id,
		provider: provider,
		secret:   k.Secret,
		weight:   weight,
		status:   status,
		health:   HealthHealthy,
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	cur := p.idx.Load()
	if _, exists := cur.byID[id]; exists {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}

	next := cur.clone()
	next.byID[id] = e
	if _, known := next.byProvider[provider]; !known {
		next.providers = append(next.providers, provider)
		sort.Strings(next.providers)
	}
	next.byProvider[provider] = append(next.byProvider[provider], e)
	p.idx.Store(next)

	return e.info(), nil
}

// Update applies an administrative patch to a key.
func (p *Pool) Update(id string, patch Patch) (KeyInfo, error) {
	e, err := p.lookup(id)
	if err != nil {
		return KeyInfo{}, err
	}
	if patch.Weight != nil && !ValidWeight(*patch.Weight) {
		return KeyInfo{}, fmt.Errorf("%w: %d", ErrInvalidWeight, *patch.Weight)
	}
	if patch.Secret != nil && *patch.Secret == "" {
		return KeyInfo{}, ErrInvalidSecret
	}
	var status Status
	if patch.Status != nil {
		if status, err = ParseStatus(string(*patch.Status)); err != nil {
			return KeyInfo{}, err
		}
	}

	e.mu.Lock()
	if patch.Secret != nil {
		e.secret = *patch.Secret
	}
	if patch.Weight != nil {
		e.weight = *patch.Weight
	}
	if patch.Status != nil {
		e.status = status
	}
	e.mu.Unlock()

	return e.info(), nil
}

// Remove deletes a key. Holders of its Credential keep their copy, but any
// later Checkout or Credential call for the id fails with ErrKeyNotFound.
func (p *Pool) Remove(id string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	cur := p.idx.Load()
	e, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}

	next := cur.clone()
	delete(next.byID, id)
	list := next.byProvider[e.provider]
	for i, other := range list {
		if other == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(next.byProvider, e.provider)
		for i, name := range next.providers {
			if name == e.provider {
				next.providers = append(next.providers[:i], next.providers[i+1:]...)
				break
			}
		}
	} else {
		next.byProvider[e.provider] = list
	}

	e.removed.Store(true)
	p.idx.Store(next)
	return nil
}

func (p *Pool) lookup(id string) (*entry, error) {
	e, ok := p.idx.Load().byID[id]
	if !ok || e.removed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return e, nil
}

// Get returns the snapshot of one key.
func (p *Pool) Get(id string) (KeyInfo, error) {
	e, err := p.lookup(id)
	if err != nil {
		return KeyInfo{}, err
	}
	return e.info(), nil
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	return len(p.idx.Load().byID)
}

// Providers returns the provider names that currently have keys, sorted.
func (p *Pool) Providers() []string {
	return append([]string(nil), p.idx.Load().providers...)
}

// List returns snapshots of a provider's keys in insertion order.
func (p *Pool) List(provider string) []KeyInfo {
	list := p.idx.Load().byProvider[NormalizeProvider(provider)]
	out := make([]KeyInfo, 0, len(list))
	for _, e := range list {
		out = append(out, e.info())
	}
	return out
}

// Snapshot returns every key grouped by provider name, then insertion order.
// It is eventually consistent with the last prober pass.
func (p *Pool) Snapshot() []KeyInfo {
	ix := p.idx.Load()
	out := make([]KeyInfo, 0, len(ix.byID))
	for _, name := range ix.providers {
		for _, e := range ix.byProvider[name] {
			out = append(out, e.info())
		}
	}
	return out
}

// Eligible returns the active, non-unhealthy keys of a provider. Each key is
// read under its own lock, so a candidate never mixes two probe results.
func (p *Pool) Eligible(provider string) []Candidate {
	list := p.idx.Load().byProvider[NormalizeProvider(provider)]
	out := make([]Candidate, 0, len(list))
	for _, e := range list {
		if e.removed.Load() {
			continue
		}
		e.mu.RLock()
		if e.eligibleLocked() {
			c := Candidate{ID: e.id, Provider: e.provider, Weight: e.weight, Health: e.health}
			if ns := e.lastUsed.Load(); ns != 0 {
				c.LastUsed = time.Unix(0, ns)
			}
			out = append(out, c)
		}
		e.mu.RUnlock()
	}
	return out
}

// Checkout returns the credential of a selected key and stamps its last-used
// time. It re-checks eligibility because state may have moved since the
// candidate snapshot was taken.
func (p *Pool) Checkout(id string) (Credential, error) {
	e, err := p.lookup(id)
	if err != nil {
		return Credential{}, err
	}
	e.mu.RLock()
	ok := e.eligibleLocked()
	cred := e.credentialLocked()
	e.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrKeyNotEligible, id)
	}
	e.lastUsed.Store(time.Now().UnixNano())
	return cred, nil
}

// Credential returns the current credential of a key regardless of health.
func (p *Pool) Credential(id string) (Credential, error) {
	e, err := p.lookup(id)
	if err != nil {
		return Credential{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.credentialLocked(), nil
}

// ActiveCredentials returns credentials of every active key, for probing.
func (p *Pool) ActiveCredentials() []Credential {
	ix := p.idx.Load()
	out := make([]Credential, 0, len(ix.byID))
	for _, name := range ix.providers {
		for _, e := range ix.byProvider[name] {
			e.mu.RLock()
			if e.status == StatusActive {
				out = append(out, e.credentialLocked())
			}
			e.mu.RUnlock()
		}
	}
	return out
}

// RecordProbe applies one probe result to a key as a single write of its
// (health, counters) tuple. probeErr nil means success.
func (p *Pool) RecordProbe(id string, probeErr error, latency time.Duration, th Thresholds) (Transition, error) {
	e, err := p.lookup(id)
	if err != nil {
		return Transition{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := Transition{From: e.health}
	e.lastProbe = time.Now()
	e.lastLatency = latency

	if probeErr != nil {
		e.lastErr = probeErr.Error()
		e.successes = 0
		e.failures = saturatingInc(e.failures)
		switch {
		case int64(e.failures) >= int64(th.Failure):
			e.health = HealthUnhealthy
		case e.health == HealthHealthy:
			e.health = HealthDegraded
		}
	} else {
		e.lastErr = ""
		e.failures = 0
		e.successes = saturatingInc(e.successes)
		if e.health != HealthHealthy && int64(e.successes) >= int64(th.Recovery) {
			e.health = HealthHealthy
		}
	}

	t.To = e.health
	t.Failures = e.failures
	t.Successes = e.successes
	return t, nil
}

func saturatingInc(n uint32) uint32 {
	if n == math.MaxUint32 {
		return n
	}
	return n + 1
}
