package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

var errTest = errors.New("probe failed")

type forgetRecorder struct {
	ids []string
}

func (f *forgetRecorder) Forget(id string) { f.ids = append(f.ids, id) }

func newTestHandler(t *testing.T) (*Handler, *pool.Pool, *forgetRecorder) {
	t.Helper()
	p := pool.New()
	f := &forgetRecorder{}
	return NewHandler(p, metrics.NewStatsCollector(), f), p, f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", body["status"])
	}
}

func TestReadyHandler(t *testing.T) {
	h, _, _ := newTestHandler(t)

	if w := do(t, h, http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", w.Code)
	}
	h.SetReady(true)
	if w := do(t, h, http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t)
	metrics.Selections.WithLabelValues("openai", "round_robin").Inc()

	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "api_proxy_key_selections_total") {
		t.Error("expected selection counter in metrics output")
	}
}

func TestCreateKey(t *testing.T) {
	h, p, _ := newTestHandler(t)

	w := do(t, h, http.MethodPost, "/api/keys", `{"id":"k1","provider":"OpenAI","secret":"sk-abcdefgh1234","weight":2}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/api/keys/k1" {
		t.Errorf("unexpected Location %q", loc)
	}
	if strings.Contains(w.Body.String(), "sk-abcdefgh1234") {
		t.Fatal("response must not contain the secret")
	}
	info := decode[pool.KeyInfo](t, w)
	if info.Provider != "openai" || info.Weight != 2 || info.Status != pool.StatusActive || info.Health != "healthy" {
		t.Errorf("unexpected key %+v", info)
	}
	if info.SecretHint != "****1234" {
		t.Errorf("unexpected secret hint %q", info.SecretHint)
	}
	if p.Len() != 1 {
		t.Errorf("expected 1 key in pool, got %d", p.Len())
	}
}

func TestCreateKey_GeneratesID(t *testing.T) {
	h, _, _ := newTestHandler(t)

	w := do(t, h, http.MethodPost, "/api/keys", `{"provider":"claude","secret":"sk-x"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	info := decode[pool.KeyInfo](t, w)
	if info.ID == "" || info.Weight != 1 {
		t.Errorf("expected generated id and default weight, got %+v", info)
	}
}

func TestCreateKey_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"provider":`, http.StatusBadRequest},
		{"unknown field", `{"provider":"openai","secret":"s","color":"red"}`, http.StatusBadRequest},
		{"missing provider", `{"secret":"s"}`, http.StatusBadRequest},
		{"missing secret", `{"provider":"openai"}`, http.StatusBadRequest},
		{"zero weight", `{"provider":"openai","secret":"s","weight":0}`, http.StatusBadRequest},
		{"negative weight", `{"provider":"openai","secret":"s","weight":-1}`, http.StatusBadRequest},
		{"weight above max", `{"provider":"openai","secret":"s","weight":9223372036854775807}`, http.StatusBadRequest},
		{"bad status", `{"provider":"openai","secret":"s","status":"paused"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler(t)
			if w := do(t, h, http.MethodPost, "/api/keys", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateKey_Duplicate(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := `{"id":"k1","provider":"openai","secret":"s"}`
	do(t, h, http.MethodPost, "/api/keys", body)

	if w := do(t, h, http.MethodPost, "/api/keys", body); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestListKeys(t *testing.T) {
	h, p, _ := newTestHandler(t)
	p.Add(pool.ProviderKey{ID: "a", Provider: "openai", Secret: "s1"})
	p.Add(pool.ProviderKey{ID: "b", Provider: "claude", Secret: "s2"})

	all := decode[keyList](t, do(t, h, http.MethodGet, "/api/keys", ""))
	if all.Count != 2 {
		t.Errorf("expected 2 keys, got %d", all.Count)
	}

	filtered := decode[keyList](t, do(t, h, http.MethodGet, "/api/keys?provider=claude", ""))
	if filtered.Count != 1 || filtered.Keys[0].ID != "b" {
		t.Errorf("unexpected filtered list %+v", filtered)
	}

	empty := do(t, h, http.MethodGet, "/api/keys?provider=gemini", "")
	if !strings.Contains(empty.Body.String(), `"keys":[]`) {
		t.Errorf("expected empty array, got %s", empty.Body.String())
	}
}

func TestGetKey(t *testing.T) {
	h, p, _ := newTestHandler(t)
	p.Add(pool.ProviderKey{ID: "a", Provider: "openai", Secret: "s1"})

	if w := do(t, h, http.MethodGet, "/api/keys/a", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/keys/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestUpdateKey(t *testing.T) {
	h, p, _ := newTestHandler(t)
	p.Add(pool.ProviderKey{ID: "a", Provider: "openai", Secret: "old-secret-0000"})

	w := do(t, h, http.MethodPatch, "/api/keys/a", `{"weight":5,"status":"inactive","secret":"new-secret-9999"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	info := decode[pool.KeyInfo](t, w)
	if info.Weight != 5 || info.Status != pool.StatusInactive || info.SecretHint != "****9999" {
		t.Errorf("unexpected key after patch %+v", info)
	}
	if len(p.Eligible("openai")) != 0 {
		t.Error("inactive key must leave the eligible set")
	}
}

func TestUpdateKey_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing key", "/api/keys/missing", `{"weight":2}`, http.StatusNotFound},
		{"zero weight", "/api/keys/a", `{"weight":0}`, http.StatusBadRequest},
		{"weight above max", "/api/keys/a", `{"weight":1000001}`, http.StatusBadRequest},
		{"empty secret", "/api/keys/a", `{"secret":""}`, http.StatusBadRequest},
		{"empty status", "/api/keys/a", `{"status":""}`, http.StatusBadRequest},
		{"bad status", "/api/keys/a", `{"status":"on"}`, http.StatusBadRequest},
		{"malformed", "/api/keys/a", `[`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, p, _ := newTestHandler(t)
			p.Add(pool.ProviderKey{ID: "a", Provider: "openai", Secret: "s"})
			if w := do(t, h, http.MethodPatch, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestDeleteKey(t *testing.T) {
	h, p, f := newTestHandler(t)
	p.Add(pool.ProviderKey{ID: "a", Provider: "openai", Secret: "s"})

	if w := do(t, h, http.MethodDelete, "/api/keys/a", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if p.Len() != 0 {
		t.Error("expected key to be removed")
	}
	if len(f.ids) != 1 || f.ids[0] != "a" {
		t.Errorf("expected forget hook for a, got %v", f.ids)
	}
	if _, err := p.Credential("a"); err == nil {
		t.Error("expected credential fetch to fail after delete")
	}

	if w := do(t, h, http.MethodDelete, "/api/keys/a", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t)
	if w := do(t, h, http.MethodPut, "/api/keys", `{}`); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestPoolSnapshot(t *testing.T) {
	h, p, _ := newTestHandler(t)
	th := pool.Thresholds{Failure: 1, Recovery: 1}
	p.Add(pool.ProviderKey{ID: "a", Provider: "openai", Secret: "s"})
	p.Add(pool.ProviderKey{ID: "b", Provider: "openai", Secret: "s"})
	p.Add(pool.ProviderKey{ID: "c", Provider: "openai", Secret: "s", Status: pool.StatusInactive})
	p.RecordProbe("b", errTest, 0, th)

	snap := decode[PoolSnapshot](t, do(t, h, http.MethodGet, "/api/pool", ""))
	got := snap.Providers["openai"]
	want := ProviderSummary{Total: 3, Eligible: 1, Healthy: 2, Unhealthy: 1, Inactive: 1}
	if got != want {
		t.Errorf("summary = %+v, want %+v", got, want)
	}
	if len(snap.Keys) != 3 {
		t.Errorf("expected 3 keys, got %d", len(snap.Keys))
	}
}

func TestStatsHandler(t *testing.T) {
	h, _, _ := newTestHandler(t)
	w := do(t, h, http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	stats := decode[metrics.Stats](t, w)
	if stats.SelectionsPerKey == nil {
		t.Error("expected selections map")
	}

	bare := NewHandler(pool.New(), nil)
	if w := do(t, bare, http.MethodGet, "/api/stats", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 without stats collector, got %d", w.Code)
	}
}
