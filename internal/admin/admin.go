// Package admin serves the management plane: key administration, pool
// snapshots, liveness, readiness and metrics.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/metrics"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

const maxBodyBytes = 1 << 20

// KeyStore is the part of the pool administered over HTTP.
type KeyStore interface {
	Add(k pool.ProviderKey) (pool.KeyInfo, error)
	Update(id string, patch pool.Patch) (pool.KeyInfo, error)
	Remove(id string) error
	Get(id string) (pool.KeyInfo, error)
	List(provider string) []pool.KeyInfo
	Snapshot() []pool.KeyInfo
}

// Forgetter drops per-key runtime state after a delete.
type Forgetter interface {
	Forget(keyID string)
}

// Handler is the management HTTP handler.
type Handler struct {
	keys      KeyStore
	stats     *metrics.StatsCollector
	forget    []Forgetter
	ready     atomic.Bool
	startTime time.Time
	mux       *http.ServeMux
}

// NewHandler creates the management handler. stats may be nil.
func NewHandler(keys KeyStore, stats *metrics.StatsCollector, forget ...Forgetter) *Handler {
	h := &Handler{
		keys:      keys,
		stats:     stats,
		forget:    forget,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /api/keys", h.listKeys)
	h.mux.HandleFunc("POST /api/keys", h.createKey)
	h.mux.HandleFunc("GET /api/keys/{id}", h.getKey)
	h.mux.HandleFunc("PATCH /api/keys/{id}", h.updateKey)
	h.mux.HandleFunc("DELETE /api/keys/{id}", h.deleteKey)
	h.mux.HandleFunc("GET /api/pool", h.poolSnapshot)
	h.mux.HandleFunc("GET /api/stats", h.statsHandler)
	h.mux.HandleFunc("GET /health", h.healthHandler)
	h.mux.HandleFunc("GET /ready", h.readyHandler)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SetReady sets the ready state.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps pool errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInvalidWeight),
		errors.Is(err, pool.ErrInvalidProvider),
		errors.Is(err, pool.ErrInvalidStatus),
		errors.Is(err, pool.ErrInvalidSecret):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
}

func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusOK, metrics.Stats{SelectionsPerKey: map[string]int64{}})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.GetStats())
}

func logRequestError(r *http.Request, err error) {
	logger.Debug("admin_request_failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
}
