package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/admin"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/balancer"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/config"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/guard"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/health"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/limiter"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/proxy"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/router"
)

// app holds the wired gateway components.
type app struct {
	cfg       *config.Config
	pool      *pool.Pool
	selector  *balancer.Selector
	prober    *health.Prober
	checker   health.Checker
	limiter   *limiter.Limiter
	admin     *admin.Handler
	forwarder *proxy.UpstreamForwarder
	guards    []*guard.Guard
	router    *router.Router
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, pool: pool.New()}

	for _, k := range cfg.ProviderKeys() {
		info, err := a.pool.Add(k)
		if err != nil {
			return nil, fmt.Errorf("load key %q: %w", k.ID, err)
		}
		logger.Debug("key_loaded", "key_id", info.ID, "provider", info.Provider, "status", info.Status)
	}

	strategy, err := balancer.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	a.selector, err = balancer.New(a.pool, balancer.Config{
		Strategy:   strategy,
		RetryAfter: cfg.HealthCheckInterval,
	})
	if err != nil {
		return nil, err
	}

	endpoints := make(map[string]health.Endpoint, len(cfg.Providers))
	baseURLs := make(map[string]string, len(cfg.Providers))
	for name, p := range cfg.Providers {
		endpoints[name] = health.Endpoint{BaseURL: p.BaseURL, Path: p.HealthPath, Headers: p.Headers}
		baseURLs[name] = p.BaseURL
	}

	switch cfg.HealthCheckType {
	case "tcp":
		a.checker, err = health.NewTCPChecker(endpoints, cfg.HealthCheckTimeout)
		if err != nil {
			return nil, err
		}
	default:
		a.checker = health.NewHTTPChecker(endpoints, cfg.HealthCheckTimeout)
	}
	logger.Info("health_check_configured", "type", cfg.HealthCheckType, "interval", cfg.HealthCheckInterval, "providers", cfg.ProviderNames())

	a.prober = health.NewProber(a.pool, a.checker, health.Config{
		Interval:    cfg.HealthCheckInterval,
		Timeout:     cfg.HealthCheckTimeout,
		Thresholds:  cfg.Thresholds(),
		Concurrency: cfg.HealthCheckConcurrency,
	})

	a.limiter = limiter.New(cfg.MaxInflightPerKey, cfg.MaxInflightTotal)
	stats := metrics.NewStatsCollector()
	a.admin = admin.NewHandler(a.pool, stats, a.limiter)

	a.forwarder, err = proxy.NewUpstreamForwarder(baseURLs, proxy.NewTransport(proxy.TransportConfig{
		TCPKeepAlive:          cfg.TCPKeepAlive,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
	}))
	if err != nil {
		return nil, err
	}

	routes := make([]proxy.Route, 0, len(cfg.Routes))
	for _, rt := range cfg.Routes {
		routes = append(routes, proxy.Route{Prefix: rt.Prefix, Provider: rt.Provider})
	}
	proxyHandler, err := proxy.NewHandler(routes, a.selector, a.limiter, a.forwarder, stats)
	if err != nil {
		return nil, err
	}

	mgmt, err := a.listener("management", cfg.Management, config.ManagementPrefixes, a.admin)
	if err != nil {
		return nil, err
	}
	prx, err := a.listener("proxy", cfg.Proxy, proxyHandler.Prefixes(), proxyHandler)
	if err != nil {
		a.closeGuards()
		return nil, err
	}

	a.router, err = router.New(mgmt, prx, router.Options{IdleTimeout: cfg.IdleTimeout})
	if err != nil {
		a.closeGuards()
		return nil, err
	}
	return a, nil
}

func (a *app) listener(name string, lc config.ListenerConfig, prefixes []string, h http.Handler) (router.Listener, error) {
	policy, err := lc.Policy()
	if err != nil {
		return router.Listener{}, &config.ConfigurationError{Field: name + ".auth_methods", Message: err.Error(), Err: err}
	}
	g, err := guard.NewGuard(name, policy)
	if err != nil {
		return router.Listener{}, &config.ConfigurationError{Field: name, Message: err.Error(), Err: err}
	}
	a.guards = append(a.guards, g)

	l := router.Listener{
		Name:     name,
		Addr:     lc.Addr(),
		Guard:    g,
		Prefixes: prefixes,
		Handler:  h,
	}
	if lc.RequireAuth {
		l.Auth = guard.NewStaticAuthenticator(lc.AuthTokens)
	}
	return l, nil
}

// start brings up probing and both listeners.
func (a *app) start(ctx context.Context) error {
	a.prober.Start(ctx)
	if err := a.router.Start(); err != nil {
		a.prober.Stop()
		return err
	}
	a.admin.SetReady(true)
	return nil
}

// applyReload applies the hot-reloadable subset of a new configuration.
func (a *app) applyReload(cfg *config.Config) {
	logger.Reconfigure(cfg.LogLevel, cfg.LogFormat)
	a.limiter.UpdateLimits(cfg.MaxInflightPerKey, cfg.MaxInflightTotal)
}

// shutdown stops accepting work, drains in-flight requests and releases resources.
func (a *app) shutdown(timeout time.Duration) error {
	a.admin.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := a.router.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown_timeout", "timeout", timeout, "total_inflight", a.limiter.TotalCount())
	}

	a.prober.Stop()
	if c, ok := a.checker.(interface{ Close() }); ok {
		c.Close()
	}
	a.forwarder.Close()
	a.closeGuards()
	return err
}

func (a *app) closeGuards() {
	for _, g := range a.guards {
		g.Close()
	}
}
