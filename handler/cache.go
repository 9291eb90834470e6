package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/caching"
	"github.com/nimbusgate/gateway/detcache"
	"github.com/nimbusgate/gateway/middleware"
)

// CacheHandler handles cache management endpoints, covering both the
// semantic cache and the deterministic (exact-match) cache — a single
// invalidation request must purge both, since a lookup can be served
// from either one.
type CacheHandler struct {
	engine   *caching.Engine
	detCache *detcache.Store
	logger   zerolog.Logger
}

func NewCacheHandler(engine *caching.Engine, detCache *detcache.Store, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{
		engine:   engine,
		detCache: detCache,
		logger:   logger.With().Str("handler", "cache").Logger(),
	}
}

type invalidateRequest struct {
	Model         string   `json:"model"`
	Endpoint      string   `json:"endpoint"`
	BeforeDate    string   `json:"before_date"`
	AfterDate     string   `json:"after_date"`
	MinSimilarity *float64 `json:"min_similarity"`
	MaxSimilarity *float64 `json:"max_similarity"`
}

type invalidateResponse struct {
	Success           bool   `json:"success"`
	EntriesInvalidated int    `json:"entries_invalidated"`
	Message           string `json:"message"`
}

// Invalidate handles POST /v1/cache/invalidate. At least one filter
// field must be set; a request with none is rejected with 400.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}

	if req.Model == "" && req.Endpoint == "" && req.BeforeDate == "" && req.AfterDate == "" &&
		req.MinSimilarity == nil && req.MaxSimilarity == nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "at least one filter is required")
		return
	}

	filter := caching.InvalidateFilter{
		Model:         req.Model,
		MinSimilarity: req.MinSimilarity,
		MaxSimilarity: req.MaxSimilarity,
	}
	switch req.Endpoint {
	case "chat", "/v1/chat/completions":
		filter.Kind = caching.KindChat
	case "completion", "/v1/completions":
		filter.Kind = caching.KindCompletion
	}

	if req.BeforeDate != "" {
		t, err := time.Parse(time.RFC3339, req.BeforeDate)
		if err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "before_date must be RFC3339")
			return
		}
		filter.CreatedBefore = t
	}
	if req.AfterDate != "" {
		t, err := time.Parse(time.RFC3339, req.AfterDate)
		if err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "after_date must be RFC3339")
			return
		}
		filter.CreatedAfter = t
	}
	if req.MinSimilarity != nil && req.MaxSimilarity != nil && *req.MinSimilarity > *req.MaxSimilarity {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "min_similarity must not exceed max_similarity")
		return
	}

	tenant := middleware.GetTenant(r.Context())
	count := h.engine.Invalidate(tenant, filter)

	if h.detCache != nil {
		detFilter := detcache.InvalidateFilter{
			Model:         req.Model,
			CreatedBefore: filter.CreatedBefore,
			CreatedAfter:  filter.CreatedAfter,
		}
		detCount, err := h.detCache.Invalidate(r.Context(), tenant, detFilter)
		if err != nil {
			h.logger.Warn().Err(err).Str("tenant", tenant).Msg("deterministic cache invalidation failed")
		} else {
			count += detCount
		}
	}

	h.logger.Info().Str("tenant", tenant).Int("invalidated", count).Msg("cache entries invalidated")
	writeJSON(w, http.StatusOK, invalidateResponse{
		Success:            true,
		EntriesInvalidated: count,
		Message:            "invalidation complete",
	})
}
