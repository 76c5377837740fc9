package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/balancer"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

// ErrInvalidRoute is returned by NewHandler for a malformed route table.
var ErrInvalidRoute = errors.New("invalid route")

// Route maps a path prefix to a provider.
type Route struct {
	Prefix   string
	Provider string
}

// Selector picks a credential for a provider.
type Selector interface {
	Select(ctx context.Context, provider string) (pool.Credential, error)
}

// Limiter bounds in-flight requests per key.
type Limiter interface {
	Acquire(keyID string) error
	Release(keyID string)
}

// Handler is the proxy-plane http.Handler.
type Handler struct {
	routes    []Route
	selector  Selector
	limiter   Limiter
	forwarder Forwarder
	stats     *metrics.StatsCollector
}

// NewHandler creates a proxy handler. Routes are matched longest prefix
// first. lim and stats may be nil.
func NewHandler(routes []Route, sel Selector, lim Limiter, fwd Forwarder, stats *metrics.StatsCollector) (*Handler, error) {
	if sel == nil || fwd == nil {
		return nil, errors.New("proxy: selector and forwarder are required")
	}

	seen := make(map[string]bool, len(routes))
	sorted := make([]Route, 0, len(routes))
	for _, rt := range routes {
		if !strings.HasPrefix(rt.Prefix, "/") || rt.Prefix == "/" || strings.HasSuffix(rt.Prefix, "/") {
			return nil, fmt.Errorf("%w: prefix %q must start with / and not end with /", ErrInvalidRoute, rt.Prefix)
		}
		if rt.Provider == "" {
			return nil, fmt.Errorf("%w: prefix %q has no provider", ErrInvalidRoute, rt.Prefix)
		}
		if seen[rt.Prefix] {
			return nil, fmt.Errorf("%w: duplicate prefix %q", ErrInvalidRoute, rt.Prefix)
		}
		seen[rt.Prefix] = true
		sorted = append(sorted, rt)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Handler{
		routes:    sorted,
		selector:  sel,
		limiter:   lim,
		forwarder: fwd,
		stats:     stats,
	}, nil
}

// Prefixes returns the route prefixes this handler owns.
func (h *Handler) Prefixes() []string {
	out := make([]string, len(h.routes))
	for i, rt := range h.routes {
		out[i] = rt.Prefix
	}
	return out
}

// Match returns the route owning path.
func (h *Handler) Match(path string) (Route, bool) {
	for _, rt := range h.routes {
		if MatchPrefix(path, rt.Prefix) {
			return rt, true
		}
	}
	return Route{}, false
}

// MatchPrefix reports whether path is prefix or lies below it.
func MatchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}

// ServeHTTP handles a proxied request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := GenerateRequestID()
	ctx := ContextWithRequestID(r.Context(), requestID)
	r = r.WithContext(ctx)
	w.Header().Set(RequestIDHeader, requestID)

	logger.Trace("request_received", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)

	route, ok := h.Match(r.URL.Path)
	if !ok {
		sendError(w, http.StatusNotFound, "not found")
		logger.LogRequest(requestID, r.Method, r.URL.Path, "", "", http.StatusNotFound, time.Since(start).Milliseconds())
		return
	}

	rec := &statusRecorder{ResponseWriter: w}
	keyID := ""
	defer func() {
		status := rec.Status()
		duration := time.Since(start)
		metrics.RequestsTotal.WithLabelValues(route.Provider, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(route.Provider).Observe(duration.Seconds())
		logger.LogRequest(requestID, r.Method, r.URL.Path, route.Provider, keyID, status, duration.Milliseconds())
	}()

	cred, err := h.selector.Select(ctx, route.Provider)
	if err != nil {
		h.handleSelectError(rec, route.Provider, err)
		return
	}
	keyID = cred.ID

	if h.limiter != nil {
		if err := h.limiter.Acquire(cred.ID); err != nil {
			rec.Header().Set("Retry-After", "1")
			sendError(rec, http.StatusServiceUnavailable, "capacity exhausted, retry later")
			return
		}
		defer h.limiter.Release(cred.ID)
	}

	if h.stats != nil {
		h.stats.IncActiveRequests()
		h.stats.IncTotalRequests()
		h.stats.IncSelectionsForKey(cred.ID)
		defer h.stats.DecActiveRequests()
	}

	if err := h.forwarder.Forward(rec, stripPrefix(r, route.Prefix), cred); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("client_cancelled", "request_id", requestID, "provider", route.Provider)
			return
		}
		if h.stats != nil {
			h.stats.IncUpstreamErrors(route.Provider)
		}
		logger.LogError("upstream_forward", err, "request_id", requestID, "provider", route.Provider, "key_id", cred.ID)
	}
}

func (h *Handler) handleSelectError(w http.ResponseWriter, provider string, err error) {
	var noKey *balancer.NoEligibleKeyError
	switch {
	case errors.As(err, &noKey):
		w.Header().Set("Retry-After", retryAfterSeconds(noKey.RetryAfter))
		sendError(w, http.StatusServiceUnavailable, "no available key for provider, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client is gone; the status is only recorded.
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		logger.LogError("select_key", err, "provider", provider)
		sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// retryAfterSeconds renders d as whole seconds, rounded up, minimum 1.
func retryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		d = DefaultNoKeyRetryAfter
	}
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// sendError writes a generic JSON error body.
func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusRecorder captures the response status while passing writes through.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	// 1xx informational responses may precede the final status.
	if r.status == 0 && code >= 200 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets streamed responses reach the client as they arrive.
func (r *statusRecorder) Flush() {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status returns the recorded status, 200 if nothing was written.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
