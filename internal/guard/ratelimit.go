package guard

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sourceIdleTTL   = 3 * time.Minute
	cleanupInterval = time.Minute
)

type source struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceRateLimiter keeps a token bucket per source address and evicts
// buckets idle for longer than sourceIdleTTL.
type SourceRateLimiter struct {
	mu      sync.Mutex
	sources map[netip.Addr]*source
	rate    rate.Limit
	burst   int
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSourceRateLimiter creates a limiter allowing rps requests per second
// with the given burst. A burst below 1 defaults to ceil(rps).
func NewSourceRateLimiter(rps float64, burst int) *SourceRateLimiter {
	if burst < 1 {
		burst = int(rps)
		if float64(burst) < rps {
			burst++
		}
	}
	l := &SourceRateLimiter{
		sources: make(map[netip.Addr]*source),
		rate:    rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow consumes one token for src.
func (l *SourceRateLimiter) Allow(src netip.Addr) bool {
	l.mu.Lock()
	s, ok := l.sources[src]
	if !ok {
		s = &source{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.sources[src] = s
	}
	now := l.now()
	s.lastSeen = now
	l.mu.Unlock()

	return s.limiter.AllowN(now, 1)
}

// Len returns the number of tracked sources.
func (l *SourceRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

func (l *SourceRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *SourceRateLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-sourceIdleTTL)
	for addr, s := range l.sources {
		if s.lastSeen.Before(cutoff) {
			delete(l.sources, addr)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *SourceRateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}
