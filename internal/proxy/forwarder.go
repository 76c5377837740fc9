package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

// ErrNoUpstream is returned when no base URL is configured for a provider.
var ErrNoUpstream = errors.New("no upstream configured for provider")

// inboundAuthHeaders are client credentials for this gateway. They are never
// forwarded; the selected key's header replaces them.
var inboundAuthHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"X-Goog-Api-Key",
	"Proxy-Authorization",
}

// Forwarder sends a request upstream using the given credential and writes
// the response to w. A non-nil error means the upstream exchange failed and
// a 502 has already been written.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, cred pool.Credential) error
}

type forwardState struct {
	cred pool.Credential
	err  error
}

type forwardStateKey struct{}

// UpstreamForwarder forwards requests to each provider's base URL with a
// shared transport.
type UpstreamForwarder struct {
	proxies   map[string]*httputil.ReverseProxy
	transport http.RoundTripper
}

// NewUpstreamForwarder builds one reverse proxy per provider base URL. All of
// them share transport; a nil transport uses NewTransport with defaults.
func NewUpstreamForwarder(baseURLs map[string]string, transport http.RoundTripper) (*UpstreamForwarder, error) {
	if transport == nil {
		transport = NewTransport(TransportConfig{})
	}

	f := &UpstreamForwarder{
		proxies:   make(map[string]*httputil.ReverseProxy, len(baseURLs)),
		transport: transport,
	}

	for provider, raw := range baseURLs {
		target, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("provider %s: invalid base_url: %w", provider, err)
		}
		if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
			return nil, fmt.Errorf("provider %s: base_url %q must be an absolute http(s) URL", provider, raw)
		}
		f.proxies[provider] = f.newReverseProxy(target)
	}

	return f, nil
}

func (f *UpstreamForwarder) newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			for _, h := range inboundAuthHeaders {
				pr.Out.Header.Del(h)
			}
			if st, ok := pr.In.Context().Value(forwardStateKey{}).(*forwardState); ok {
				name, value := st.cred.AuthHeader()
				pr.Out.Header.Set(name, value)
			}
			if id := RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set(RequestIDHeader, id)
			}
		},
		Transport:     f.transport,
		FlushInterval: -1,
		ErrorHandler:  f.handleError,
	}
}

// handleError records the failure for Forward and answers 502. Key health is
// left to the prober.
func (f *UpstreamForwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if st, ok := r.Context().Value(forwardStateKey{}).(*forwardState); ok {
		st.err = err
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; nothing useful to write.
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	sendError(w, http.StatusBadGateway, "upstream request failed")
}

// Forward implements Forwarder.
func (f *UpstreamForwarder) Forward(w http.ResponseWriter, r *http.Request, cred pool.Credential) error {
	rp, ok := f.proxies[cred.Provider]
	if !ok {
		sendError(w, http.StatusBadGateway, "upstream request failed")
		return fmt.Errorf("%w: %s", ErrNoUpstream, cred.Provider)
	}

	st := &forwardState{cred: cred}
	r = r.WithContext(context.WithValue(r.Context(), forwardStateKey{}, st))

	start := time.Now()
	rp.ServeHTTP(w, r)

	if st.err != nil {
		logger.Debug("upstream_failed",
			"request_id", RequestIDFromContext(r.Context()),
			"provider", cred.Provider,
			"key_id", cred.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", st.err.Error(),
		)
		return fmt.Errorf("forward to %s: %w", cred.Provider, st.err)
	}
	return nil
}

// Providers returns the providers with a configured upstream.
func (f *UpstreamForwarder) Providers() []string {
	out := make([]string, 0, len(f.proxies))
	for p := range f.proxies {
		out = append(out, p)
	}
	return out
}

// Close releases idle upstream connections.
func (f *UpstreamForwarder) Close() {
	if t, ok := f.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// stripPrefix returns a shallow copy of r whose path has prefix removed.
func stripPrefix(r *http.Request, prefix string) *http.Request {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == "" {
		rest = "/"
	}

	r2 := new(http.Request)
	*r2 = *r
	r2.URL = new(url.URL)
	*r2.URL = *r.URL
	r2.URL.Path = rest
	if r.URL.RawPath != "" {
		r2.URL.RawPath = strings.TrimPrefix(r.URL.RawPath, prefix)
		if r2.URL.RawPath == "" {
			r2.URL.RawPath = "/"
		}
	}
	return r2
}
