package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/health"
)

// HTTPHandler exposes the read-only operational surface of the ingest
// service: recent non-deleted scans and the latest device heartbeats.
type HTTPHandler struct {
	repo  *Repository
	cache *redis.Client
}

func NewHTTPHandler(repo *Repository, cache *redis.Client) *HTTPHandler {
	return &HTTPHandler{repo: repo, cache: cache}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/scans/recent", h.handleRecent).Methods(http.MethodGet)
	router.HandleFunc("/devices/status", h.handleDeviceStatus).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	rows, err := h.repo.Recent(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to read recent scans")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"count": len(rows),
		"scans": rows,
	})
}

func (h *HTTPHandler) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		http.Error(w, "device status cache not configured", http.StatusNotFound)
		return
	}

	beats, err := latestHeartbeats(r.Context(), h.cache)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to read device heartbeats")
		http.Error(w, "device status cache unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"count":   len(beats),
		"devices": beats,
	})
}

func latestHeartbeats(ctx context.Context, cache *redis.Client) ([]health.Heartbeat, error) {
	keys, err := cache.Keys(ctx, health.KeyPrefix+"*").Result()
	if err != nil {
		return nil, err
	}

	beats := make([]health.Heartbeat, 0, len(keys))
	for _, key := range keys {
		raw, err := cache.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var hb health.Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			continue
		}
		beats = append(beats, hb)
	}
	return beats, nil
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
