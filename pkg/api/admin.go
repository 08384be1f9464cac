package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ngoyal88/promptrelay/pkg/capture"
	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"github.com/ngoyal88/promptrelay/pkg/middleware"
	"github.com/ngoyal88/promptrelay/pkg/storage"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// BreakerState reports the primary store's circuit breaker state.
type BreakerState interface {
	State() string
}

// AdminAPI exposes the fallback store to operators: inspect what the prompt
// API missed and push it back once the API is healthy again.
type AdminAPI struct {
	fallback storage.FallbackStore
	replayer *capture.Replayer
	primary  BreakerState
	cfgStore *config.Store
	logger   *zap.Logger
}

// NewAdminAPI creates a new admin API handler. fallback, replayer and
// primary may be nil when the corresponding feature is disabled.
func NewAdminAPI(fallback storage.FallbackStore, replayer *capture.Replayer, primary BreakerState, cfgStore *config.Store, logger *zap.Logger) *AdminAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAPI{
		fallback: fallback,
		replayer: replayer,
		primary:  primary,
		cfgStore: cfgStore,
		logger:   logger.With(logging.Component("admin")),
	}
}

// RegisterRoutes mounts /admin on r. Every route requires X-Admin-Key.
func (api *AdminAPI) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(middleware.AdminAuth(api.cfgStore))

		ar.Get("/health", api.handleHealth)
		ar.Get("/captures", api.handleList)
		ar.Post("/captures/replay", api.handleReplay)
		ar.Get("/captures/{key}", api.handleGet)
		ar.Delete("/captures/{key}", api.handleDelete)
	})
}

func (api *AdminAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if !api.requireFallback(w) {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	keys, err := api.fallback.List(ctx, limit)
	if err != nil {
		api.logger.Error("list fallback captures", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to list captures: %v", err),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

func (api *AdminAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	if !api.requireFallback(w) {
		return
	}
	key := storage.UsageKey(chi.URLParam(r, "key"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := api.fallback.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Capture not found or expired"})
		return
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to read capture: %v", err),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"record": rec,
	})
}

func (api *AdminAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !api.requireFallback(w) {
		return
	}
	key := storage.UsageKey(chi.URLParam(r, "key"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := api.fallback.Delete(ctx, key); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to delete capture: %v", err),
		})
		return
	}

	api.logger.Info("fallback capture deleted", zap.String("key", key))
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Capture deleted",
		"key":     key,
	})
}

func (api *AdminAPI) handleReplay(w http.ResponseWriter, r *http.Request) {
	if api.replayer == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Replay not available: capture or fallback disabled",
		})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	res, err := api.replayer.Replay(ctx, limit)
	if err != nil {
		// Partial progress is still reported.
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result": res,
	})
}

// handleHealth returns system health
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if api.primary != nil {
		state := api.primary.State()
		health["prompt_api"] = state
		if state != "closed" {
			health["status"] = "degraded"
		}
	}

	if api.fallback != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := api.fallback.Ping(ctx); err != nil {
			health["fallback"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["fallback"] = "healthy"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

func (api *AdminAPI) requireFallback(w http.ResponseWriter) bool {
	if api.fallback != nil {
		return true
	}
	respondJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": "Fallback store not enabled",
	})
	return false
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
