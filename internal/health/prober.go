// Package health probes provider keys and drives their health state.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

const (
	// DefaultInterval is used when Config.Interval is unset.
	DefaultInterval = 30 * time.Second
	// DefaultConcurrency bounds parallel probes when Config.Concurrency is unset.
	DefaultConcurrency = 8
)

// Checker is the interface for health check implementations.
type Checker interface {
	// Check probes one credential. Returns nil if the key is usable.
	Check(ctx context.Context, cred pool.Credential) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, cred pool.Credential) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context, cred pool.Credential) error {
	return f(ctx, cred)
}

// ProbeTransportError wraps a failed probe of one key.
type ProbeTransportError struct {
	KeyID    string
	Provider string
	Err      error
}

func (e *ProbeTransportError) Error() string {
	return fmt.Sprintf("probe %s/%s: %v", e.Provider, e.KeyID, e.Err)
}

func (e *ProbeTransportError) Unwrap() error {
	return e.Err
}

// Store is the part of the pool the prober reads and writes.
type Store interface {
	ActiveCredentials() []pool.Credential
	RecordProbe(id string, probeErr error, latency time.Duration, th pool.Thresholds) (pool.Transition, error)
	Snapshot() []pool.KeyInfo
	Get(id string) (pool.KeyInfo, error)
}

// Config holds configuration for the Prober.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Thresholds  pool.Thresholds
	Concurrency int
}

// Prober periodically probes every active key and is the only writer of
// key health.
type Prober struct {
	config  Config
	store   Store
	checker Checker

	inflight sync.Map // key id -> struct{}
	lastPass atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a Prober. A timeout longer than the interval is clamped
// to the interval.
func NewProber(store Store, checker Checker, cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Prober{config: cfg, store: store, checker: checker}
}

// Config returns the effective configuration.
func (p *Prober) Config() Config {
	return p.config
}

// Start runs one pass immediately and then one per interval until ctx is
// done or Stop is called. Calling Start on a running prober does nothing.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)

	logger.Info("health_prober_started",
		"interval", p.config.Interval,
		"timeout", p.config.Timeout,
		"failure_threshold", p.config.Thresholds.Failure,
		"recovery_threshold", p.config.Thresholds.Recovery,
		"concurrency", p.config.Concurrency,
	)
}

// Stop cancels the probe loop and waits for in-flight probes to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("health_prober_stopped")
}

// LastPass returns when the most recent full pass completed.
func (p *Prober) LastPass() time.Time {
	ns := p.lastPass.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *Prober) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.ProbeAll(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll probes every active key once, at most Concurrency at a time.
// Keys whose previous probe is still running are skipped.
func (p *Prober) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(p.config.Concurrency)

	for _, cred := range p.store.ActiveCredentials() {
		if ctx.Err() != nil {
			break
		}
		if _, busy := p.inflight.LoadOrStore(cred.ID, struct{}{}); busy {
			metrics.ProbesSkipped.Inc()
			logger.Trace("probe_skipped", "key_id", cred.ID, "reason", "in_flight")
			continue
		}
		g.Go(func() error {
			defer p.inflight.Delete(cred.ID)
			p.probe(ctx, cred)
			return nil
		})
	}

	g.Wait()
	if ctx.Err() == nil {
		p.lastPass.Store(time.Now().UnixNano())
	}
	p.updateAggregateMetrics()
}

// probe checks one key and records the result. A probe interrupted by
// shutdown is discarded rather than counted as a failure.
func (p *Prober) probe(ctx context.Context, cred pool.Credential) {
	if ctx.Err() != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := time.Now()
	err := p.check(pctx, cred)
	latency := time.Since(start)

	if ctx.Err() != nil {
		return
	}
	metrics.ProbeDuration.WithLabelValues(cred.Provider).Observe(latency.Seconds())

	result := "success"
	if err != nil {
		result = "failure"
		err = &ProbeTransportError{KeyID: cred.ID, Provider: cred.Provider, Err: err}
	}

	t, rerr := p.store.RecordProbe(cred.ID, err, latency, p.config.Thresholds)
	if rerr != nil {
		logger.Debug("probe_result_discarded", "key_id", cred.ID, "reason", rerr.Error())
		return
	}

	metrics.ProbeTotal.WithLabelValues(cred.Provider, cred.ID, result).Inc()
	metrics.KeyHealth.WithLabelValues(cred.Provider, cred.ID).Set(healthValue(t.To))
	// The key may have been deleted after the result was recorded.
	if _, gerr := p.store.Get(cred.ID); errors.Is(gerr, pool.ErrKeyNotFound) {
		metrics.DropKeySeries(cred.Provider, cred.ID)
		return
	}

	switch {
	case t.Changed():
		args := []any{
			"provider", cred.Provider,
			"key_id", cred.ID,
			"from", t.From.String(),
			"to", t.To.String(),
			"consecutive_failures", t.Failures,
			"consecutive_successes", t.Successes,
		}
		if err != nil {
			args = append(args, "error", err.Error())
		}
		if t.To == pool.HealthHealthy {
			logger.Info("key_health_changed", args...)
		} else {
			logger.Warn("key_health_changed", args...)
		}
	case err != nil:
		logger.Debug("probe_failed",
			"provider", cred.Provider,
			"key_id", cred.ID,
			"error", err.Error(),
			"consecutive_failures", t.Failures,
		)
	default:
		logger.Trace("probe_succeeded", "key_id", cred.ID, "duration", latency)
	}
}

// check runs the checker, turning a panic into a failed probe.
func (p *Prober) check(ctx context.Context, cred pool.Credential) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("checker panic: %v", r)
		}
	}()
	return p.checker.Check(ctx, cred)
}

func (p *Prober) updateAggregateMetrics() {
	counts := make(map[[2]string]int)
	for _, info := range p.store.Snapshot() {
		counts[[2]string{info.Provider, info.Health}]++
	}

	metrics.KeysByHealth.Reset()
	for k, n := range counts {
		metrics.KeysByHealth.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
}

func healthValue(h pool.Health) float64 {
	switch h {
	case pool.HealthHealthy:
		return 2
	case pool.HealthDegraded:
		return 1
	default:
		return 0
	}
}
