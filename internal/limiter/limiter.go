// Package limiter bounds concurrent in-flight proxy requests per provider key
// and in total.
package limiter

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
)

var (
	// ErrKeyLimitReached is returned when the per-key limit is reached.
	ErrKeyLimitReached = errors.New("in-flight limit reached for key")
	// ErrTotalLimitReached is returned when the total limit is reached.
	ErrTotalLimitReached = errors.New("total in-flight limit reached")
)

// Limiter tracks and limits concurrent requests. A limit of 0 disables it.
type Limiter struct {
	maxPerKey atomic.Int64
	maxTotal  atomic.Int64
	total     atomic.Int64
	perKey    map[string]*atomic.Int64
	mu        sync.RWMutex
}

// New creates a new Limiter.
func New(maxPerKey, maxTotal int) *Limiter {
	l := &Limiter{
		perKey: make(map[string]*atomic.Int64),
	}
	l.maxPerKey.Store(int64(maxPerKey))
	l.maxTotal.Store(int64(maxTotal))
	return l
}

// UpdateLimits updates the limits at runtime. Requests already admitted
// are not affected.
func (l *Limiter) UpdateLimits(maxPerKey, maxTotal int) {
	l.maxPerKey.Store(int64(maxPerKey))
	l.maxTotal.Store(int64(maxTotal))
	logger.Info("limits_updated", "max_per_key", maxPerKey, "max_total", maxTotal)
}

// Limits returns the current limits.
func (l *Limiter) Limits() (maxPerKey, maxTotal int) {
	return int(l.maxPerKey.Load()), int(l.maxTotal.Load())
}

// Acquire attempts to acquire a slot for keyID.
// Uses CAS loops to prevent TOCTOU race conditions.
func (l *Limiter) Acquire(keyID string) error {
	maxTotal := l.maxTotal.Load()
	maxPerKey := l.maxPerKey.Load()

	for {
		current := l.total.Load()
		if maxTotal > 0 && current >= maxTotal {
			metrics.LimitRejections.WithLabelValues("total").Inc()
			logger.LogLimitReached("total", keyID, current, maxTotal)
			return ErrTotalLimitReached
		}
		if l.total.CompareAndSwap(current, current+1) {
			break
		}
	}

	counter := l.counter(keyID)
	for {
		n := counter.Load()
		if maxPerKey > 0 && n >= maxPerKey {
			// Rollback total counter since we can't acquire
			l.total.Add(-1)
			metrics.LimitRejections.WithLabelValues("key").Inc()
			logger.LogLimitReached("key", keyID, n, maxPerKey)
			return ErrKeyLimitReached
		}
		if counter.CompareAndSwap(n, n+1) {
			break
		}
	}

	return nil
}

func (l *Limiter) counter(keyID string) *atomic.Int64 {
	l.mu.RLock()
	counter, exists := l.perKey[keyID]
	l.mu.RUnlock()
	if exists {
		return counter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if counter, exists = l.perKey[keyID]; !exists {
		counter = &atomic.Int64{}
		l.perKey[keyID] = counter
	}
	return counter
}

// Release releases a slot acquired for keyID.
func (l *Limiter) Release(keyID string) {
	l.mu.RLock()
	counter, exists := l.perKey[keyID]
	l.mu.RUnlock()

	if exists {
		counter.Add(-1)
	}
	l.total.Add(-1)
}

// Forget drops the counter of a deleted key once it has nothing in flight.
func (l *Limiter) Forget(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if counter, ok := l.perKey[keyID]; ok && counter.Load() == 0 {
		delete(l.perKey, keyID)
	}
}

// KeyCount returns the in-flight count of a key.
func (l *Limiter) KeyCount(keyID string) int64 {
	l.mu.RLock()
	counter, exists := l.perKey[keyID]
	l.mu.RUnlock()

	if !exists {
		return 0
	}
	return counter.Load()
}

// TotalCount returns the current total in-flight count.
func (l *Limiter) TotalCount() int64 {
	return l.total.Load()
}

// Stats returns in-flight counts per key plus "total".
func (l *Limiter) Stats() map[string]int64 {
	stats := make(map[string]int64)
	stats["total"] = l.total.Load()

	l.mu.RLock()
	for id, counter := range l.perKey {
		stats[id] = counter.Load()
	}
	l.mu.RUnlock()

	return stats
}
