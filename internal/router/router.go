// Package router runs the management and proxy planes on two listeners,
// each with its own access guard and route prefixes.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/guard"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/proxy"
)

var (
	// ErrAddressConflict is returned when both listeners would bind the same address.
	ErrAddressConflict = errors.New("listeners share an address")
	// ErrPrefixOverlap is returned when a route prefix is claimed by both listeners.
	ErrPrefixOverlap = errors.New("route prefixes overlap")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("router already started")
)

// DefaultReadHeaderTimeout bounds how long a client may take to send request headers.
const DefaultReadHeaderTimeout = 10 * time.Second

// Listener describes one port.
type Listener struct {
	Name string
	Addr string

	// Guard admits requests before routing. Nil admits everything.
	Guard    *guard.Guard
	// Auth produces credentials for Guard. Nil when the port needs no auth.
	Auth     guard.Authenticator
	Prefixes []string
	Handler  http.Handler
}

// Options tunes both HTTP servers.
type Options struct {
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// WriteTimeout of zero leaves long streamed responses unbounded.
	WriteTimeout      time.Duration
}

type port struct {
	Listener
	other  *port
	server *http.Server
	ln     net.Listener
}

// Router owns the two listeners.
type Router struct {
	mgmt  *port
	proxy *port

	mu      sync.Mutex
	started bool
	errs    chan error
}

// New validates the pair and builds both servers.
func New(mgmt, prx Listener, opts Options) (*Router, error) {
	if mgmt.Handler == nil || prx.Handler == nil {
		return nil, errors.New("router: both listeners need a handler")
	}
	if addrsConflict(mgmt.Addr, prx.Addr) {
		return nil, fmt.Errorf("%w: %s and %s", ErrAddressConflict, mgmt.Addr, prx.Addr)
	}
	for _, a := range mgmt.Prefixes {
		for _, b := range prx.Prefixes {
			if proxy.MatchPrefix(a, b) || proxy.MatchPrefix(b, a) {
				return nil, fmt.Errorf("%w: %q (%s) and %q (%s)", ErrPrefixOverlap, a, mgmt.Name, b, prx.Name)
			}
		}
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	r := &Router{
		mgmt:  &port{Listener: mgmt},
		proxy: &port{Listener: prx},
		errs:  make(chan error, 2),
	}
	r.mgmt.other = r.proxy
	r.proxy.other = r.mgmt

	for _, p := range []*port{r.mgmt, r.proxy} {
		p.server = &http.Server{
			Addr:              p.Addr,
			Handler:           p.handler(),
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			IdleTimeout:       opts.IdleTimeout,
			WriteTimeout:      opts.WriteTimeout,
		}
	}
	return r, nil
}

// ManagementHandler returns the full management-port handler chain.
func (r *Router) ManagementHandler() http.Handler { return r.mgmt.server.Handler }

// ProxyHandler returns the full proxy-port handler chain.
func (r *Router) ProxyHandler() http.Handler { return r.proxy.server.Handler }

func (p *port) handler() http.Handler {
	var h http.Handler = http.HandlerFunc(p.dispatch)
	if p.Guard != nil {
		h = guard.Middleware(p.Guard, p.Auth, h)
	}
	return h
}

func (p *port) dispatch(w http.ResponseWriter, r *http.Request) {
	if owns(p.Prefixes, r.URL.Path) {
		p.Handler.ServeHTTP(w, r)
		return
	}

	if owns(p.other.Prefixes, r.URL.Path) {
		metrics.WrongPortRejections.WithLabelValues(p.Name).Inc()
		logger.Warn("route_wrong_port",
			"listener", p.Name,
			"owner", p.other.Name,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
		)
	}
	notFound(w)
}

func owns(prefixes []string, path string) bool {
	for _, prefix := range prefixes {
		if proxy.MatchPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error":"not found"}` + "\n"))
}

// Start binds both listeners and serves them in the background. If either
// bind fails nothing is left listening.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	mln, err := net.Listen("tcp", r.mgmt.Addr)
	if err != nil {
		return fmt.Errorf("listen %s (%s): %w", r.mgmt.Name, r.mgmt.Addr, err)
	}
	pln, err := net.Listen("tcp", r.proxy.Addr)
	if err != nil {
		mln.Close()
		return fmt.Errorf("listen %s (%s): %w", r.proxy.Name, r.proxy.Addr, err)
	}
	r.mgmt.ln, r.proxy.ln = mln, pln
	r.started = true

	for _, p := range []*port{r.mgmt, r.proxy} {
		logger.Info("listener_started", "listener", p.Name, "addr", p.ln.Addr().String(), "prefixes", p.Prefixes)
		go func(p *port) {
			if err := p.server.Serve(p.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.errs <- fmt.Errorf("%s listener: %w", p.Name, err)
			}
		}(p)
	}
	return nil
}

// Errors reports fatal serve errors after Start.
func (r *Router) Errors() <-chan error {
	return r.errs
}

// Addrs returns the bound management and proxy addresses. Empty before Start.
func (r *Router) Addrs() (mgmt, prx string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return "", ""
	}
	return r.mgmt.ln.Addr().String(), r.proxy.ln.Addr().String()
}

// Shutdown gracefully stops both listeners.
func (r *Router) Shutdown(ctx context.Context) error {
	logger.Info("shutting down listeners")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []*port{r.mgmt, r.proxy} {
		wg.Add(1)
		go func(i int, p *port) {
			defer wg.Done()
			if err := p.server.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("%s listener: %w", p.Name, err)
			}
		}(i, p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// addrsConflict reports whether two host:port addresses would collide.
// Port 0 asks the kernel for a free port and never conflicts.
func addrsConflict(a, b string) bool {
	ah, ap, errA := net.SplitHostPort(a)
	bh, bp, errB := net.SplitHostPort(b)
	if errA != nil || errB != nil {
		return a == b
	}
	if ap != bp || ap == "0" {
		return false
	}
	wildcard := func(h string) bool { return h == "" || h == "0.0.0.0" || h == "::" }
	return ah == bh || wildcard(ah) || wildcard(bh)
}
