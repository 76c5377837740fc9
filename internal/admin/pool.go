package admin

import (
	"net/http"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

// ProviderSummary counts a provider's keys by state.
type ProviderSummary struct {
	Total     int `json:"total"`
	Eligible  int `json:"eligible"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Inactive  int `json:"inactive"`
}

// PoolSnapshot is the body of GET /api/pool.
type PoolSnapshot struct {
	Providers map[string]ProviderSummary `json:"providers"`
	Keys      []pool.KeyInfo             `json:"keys"`
}

// Summarize aggregates a key snapshot per provider. Eligible counts active
// keys that are not unhealthy.
func Summarize(keys []pool.KeyInfo) map[string]ProviderSummary {
	out := make(map[string]ProviderSummary)
	for _, k := range keys {
		s := out[k.Provider]
		s.Total++
		switch k.Health {
		case pool.HealthHealthy.String():
			s.Healthy++
		case pool.HealthDegraded.String():
			s.Degraded++
		case pool.HealthUnhealthy.String():
			s.Unhealthy++
		}
		if k.Status == pool.StatusInactive {
			s.Inactive++
		} else if k.Health != pool.HealthUnhealthy.String() {
			s.Eligible++
		}
		out[k.Provider] = s
	}
	return out
}

func (h *Handler) poolSnapshot(w http.ResponseWriter, r *http.Request) {
	keys := h.keys.Snapshot()
	if keys == nil {
		keys = []pool.KeyInfo{}
	}
	writeJSON(w, http.StatusOK, PoolSnapshot{Providers: Summarize(keys), Keys: keys})
}
