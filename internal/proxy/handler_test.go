package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/balancer"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/limiter"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

type mockSelector struct {
	mu        sync.Mutex
	cred      pool.Credential
	err       error
	providers []string
}

func (m *mockSelector) Select(_ context.Context, provider string) (pool.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
	if m.err != nil {
		return pool.Credential{}, m.err
	}
	c := m.cred
	c.Provider = provider
	return c, nil
}

type mockForwarder struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	paths  []string
	creds  []pool.Credential
	ids    []string
}

func (m *mockForwarder) Forward(w http.ResponseWriter, r *http.Request, cred pool.Credential) error {
	m.mu.Lock()
	m.paths = append(m.paths, r.URL.Path)
	m.creds = append(m.creds, cred)
	m.ids = append(m.ids, RequestIDFromContext(r.Context()))
	m.mu.Unlock()

	if m.err != nil {
		sendError(w, http.StatusBadGateway, "upstream request failed")
		return m.err
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write([]byte(m.body))
	return nil
}

var testRoutes = []Route{
	{Prefix: "/openai", Provider: "openai"},
	{Prefix: "/claude", Provider: "claude"},
	{Prefix: "/openai/beta", Provider: "openai-beta"},
}

func newTestHandler(t *testing.T, sel Selector, lim Limiter, fwd Forwarder) *Handler {
	t.Helper()
	h, err := NewHandler(testRoutes, sel, lim, fwd, metrics.NewStatsCollector())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestNewHandler_InvalidRoutes(t *testing.T) {
	sel := &mockSelector{}
	fwd := &mockForwarder{}

	tests := []struct {
		name   string
		routes []Route
	}{
		{"no leading slash", []Route{{Prefix: "openai", Provider: "openai"}}},
		{"root prefix", []Route{{Prefix: "/", Provider: "openai"}}},
		{"trailing slash", []Route{{Prefix: "/openai/", Provider: "openai"}}},
		{"missing provider", []Route{{Prefix: "/openai"}}},
		{"duplicate", []Route{{Prefix: "/a", Provider: "x"}, {Prefix: "/a", Provider: "y"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandler(tt.routes, sel, nil, fwd, nil)
			if !errors.Is(err, ErrInvalidRoute) {
				t.Errorf("expected ErrInvalidRoute, got %v", err)
			}
		})
	}

	if _, err := NewHandler(nil, nil, nil, fwd, nil); err == nil {
		t.Error("expected error for nil selector")
	}
}

func TestMatchPrefix(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"/openai", "/openai", true},
		{"/openai/chat/completions", "/openai", true},
		{"/openaix", "/openai", false},
		{"/claude", "/openai", false},
		{"/api/keys", "/api/", true},
		{"/api", "/api/", false},
		{"/health", "/health", true},
		{"/healthz", "/health", false},
	}

	for _, tt := range tests {
		if got := MatchPrefix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("MatchPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
		}
	}
}

func TestHandler_Routing(t *testing.T) {
	sel := &mockSelector{cred: pool.Credential{ID: "k1", Secret: "s"}}
	fwd := &mockForwarder{body: `{"ok":true}`}
	h := newTestHandler(t, sel, nil, fwd)

	tests := []struct {
		path         string
		wantProvider string
		wantPath     string
	}{
		{"/openai/chat/completions", "openai", "/chat/completions"},
		{"/claude/messages", "claude", "/messages"},
		{"/openai/beta/assistants", "openai-beta", "/assistants"},
		{"/openai", "openai", "/"},
	}

	for i, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{}`))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if sel.providers[i] != tt.wantProvider {
				t.Errorf("expected provider %s, got %s", tt.wantProvider, sel.providers[i])
			}
			if fwd.paths[i] != tt.wantPath {
				t.Errorf("expected upstream path %s, got %s", tt.wantPath, fwd.paths[i])
			}
		})
	}
}

func TestHandler_UnknownPath(t *testing.T) {
	sel := &mockSelector{}
	fwd := &mockForwarder{}
	h := newTestHandler(t, sel, nil, fwd)

	req := httptest.NewRequest(http.MethodGet, "/mistral/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if len(sel.providers) != 0 {
		t.Error("selector should not be called for unknown paths")
	}
}

func TestHandler_RequestID(t *testing.T) {
	sel := &mockSelector{cred: pool.Credential{ID: "k1"}}
	fwd := &mockForwarder{}
	h := newTestHandler(t, sel, nil, fwd)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openai/models", nil))

		id := rec.Header().Get(RequestIDHeader)
		if id == "" {
			t.Fatal("expected X-Request-ID header")
		}
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true
		if fwd.ids[i] != id {
			t.Errorf("forwarder saw request id %q, response carried %q", fwd.ids[i], id)
		}
	}
}

func TestHandler_NoEligibleKey(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       string
	}{
		{"interval hint", 30 * time.Second, "30"},
		{"rounded up", 1500 * time.Millisecond, "2"},
		{"no hint", 0, "5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := &mockSelector{err: &balancer.NoEligibleKeyError{Provider: "openai", RetryAfter: tt.retryAfter}}
			fwd := &mockForwarder{}
			h := newTestHandler(t, sel, nil, fwd)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/openai/chat/completions", nil))

			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.want {
				t.Errorf("expected Retry-After %s, got %s", tt.want, got)
			}
			if len(fwd.paths) != 0 {
				t.Error("forwarder should not be called")
			}

			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if strings.Contains(body["error"], "openai") {
				t.Errorf("error body leaks provider state: %q", body["error"])
			}
		})
	}
}

func TestHandler_SelectorInternalError(t *testing.T) {
	sel := &mockSelector{err: errors.New("boom")}
	h := newTestHandler(t, sel, nil, &mockForwarder{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openai/models", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandler_LimiterRejects(t *testing.T) {
	sel := &mockSelector{cred: pool.Credential{ID: "k1"}}
	fwd := &mockForwarder{}
	lim := limiter.New(1, 0)
	h := newTestHandler(t, sel, lim, fwd)

	// Hold the only slot for k1.
	if err := lim.Acquire("k1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openai/models", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if len(fwd.paths) != 0 {
		t.Error("forwarder should not be called when the limiter rejects")
	}

	lim.Release("k1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openai/models", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after release, got %d", rec.Code)
	}
	if got := lim.KeyCount("k1"); got != 0 {
		t.Errorf("expected slot released after request, count %d", got)
	}
}

func TestHandler_UpstreamError(t *testing.T) {
	sel := &mockSelector{cred: pool.Credential{ID: "k1"}}
	fwd := &mockForwarder{err: errors.New("connection refused")}
	stats := metrics.NewStatsCollector()
	h, err := NewHandler(testRoutes, sel, nil, fwd, stats)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/claude/messages", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if got := stats.GetStats().UpstreamErrors; got != 1 {
		t.Errorf("expected 1 upstream error, got %d", got)
	}
}

func TestHandler_PassesUpstreamStatus(t *testing.T) {
	sel := &mockSelector{cred: pool.Credential{ID: "k1"}}
	fwd := &mockForwarder{status: http.StatusTooManyRequests, body: `{"error":"rate"}`}
	h := newTestHandler(t, sel, nil, fwd)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openai/models", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected upstream 429 passed through, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"rate"}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}

	if sr.Status() != http.StatusOK {
		t.Errorf("expected default 200, got %d", sr.Status())
	}

	sr.WriteHeader(http.StatusEarlyHints)
	sr.WriteHeader(http.StatusCreated)
	sr.WriteHeader(http.StatusTeapot)
	if sr.Status() != http.StatusCreated {
		t.Errorf("expected first status kept, got %d", sr.Status())
	}

	sr.Flush()
	if !rec.Flushed {
		t.Error("expected Flush to reach the underlying writer")
	}
	if sr.Unwrap() != rec {
		t.Error("Unwrap should return the underlying writer")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "5"},
		{-time.Second, "5"},
		{time.Millisecond, "1"},
		{time.Second, "1"},
		{30 * time.Second, "30"},
		{90500 * time.Millisecond, "91"},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
