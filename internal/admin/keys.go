package admin

import (
	"net/http"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/logger"
	"github.com/MAQSOODAWANhaha/api-proxy-sub005/internal/pool"
)

type createKeyRequest struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Secret   string `json:"secret"`
	Weight   *int   `json:"weight"`
	Status   string `json:"status"`
}

type patchKeyRequest struct {
	Secret *string `json:"secret"`
	Weight *int    `json:"weight"`
	Status *string `json:"status"`
}

type keyList struct {
	Keys  []pool.KeyInfo `json:"keys"`
	Count int            `json:"count"`
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	var keys []pool.KeyInfo
	if provider := r.URL.Query().Get("provider"); provider != "" {
		keys = h.keys.List(provider)
	} else {
		keys = h.keys.Snapshot()
	}
	if keys == nil {
		keys = []pool.KeyInfo{}
	}
	writeJSON(w, http.StatusOK, keyList{Keys: keys, Count: len(keys)})
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	status, err := pool.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k := pool.ProviderKey{ID: req.ID, Provider: req.Provider, Secret: req.Secret, Status: status}
	if req.Weight != nil {
		if !pool.ValidWeight(*req.Weight) {
			writeError(w, http.StatusBadRequest, pool.ErrInvalidWeight.Error())
			return
		}
		k.Weight = *req.Weight
	}

	info, err := h.keys.Add(k)
	if err != nil {
		logRequestError(r, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	logger.Info("key_created", "key_id", info.ID, "provider", info.Provider, "weight", info.Weight, "status", string(info.Status))
	w.Header().Set("Location", "/api/keys/"+info.ID)
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) getKey(w http.ResponseWriter, r *http.Request) {
	info, err := h.keys.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) updateKey(w http.ResponseWriter, r *http.Request) {
	var req patchKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patch := pool.Patch{Secret: req.Secret, Weight: req.Weight}
	if req.Status != nil {
		status, err := pool.ParseStatus(*req.Status)
		if err != nil || *req.Status == "" {
			writeError(w, http.StatusBadRequest, pool.ErrInvalidStatus.Error())
			return
		}
		patch.Status = &status
	}

	id := r.PathValue("id")
	info, err := h.keys.Update(id, patch)
	if err != nil {
		logRequestError(r, err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	logger.Info("key_updated", "key_id", info.ID, "provider", info.Provider, "weight", info.Weight, "status", string(info.Status),
		"secret_rotated", req.Secret != nil)
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := h.keys.Get(id)
	if err == nil {
		err = h.keys.Remove(id)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if h.stats != nil {
		h.stats.ForgetKey(info.Provider, info.ID)
	}
	for _, f := range h.forget {
		f.Forget(info.ID)
	}

	logger.Info("key_deleted", "key_id", info.ID, "provider", info.Provider)
	w.WriteHeader(http.StatusNoContent)
}
