package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/analytics"
	"github.com/nimbusgate/gateway/caching"
)

// AnalyticsHandler handles cost analytics REST endpoints.
type AnalyticsHandler struct {
	pipeline *analytics.Pipeline
	cache    *caching.Engine
	logger   zerolog.Logger
}

// NewAnalyticsHandler creates a new analytics handler. cache may be nil
// when the semantic cache is disabled; CacheAnalytics then reports zeros.
func NewAnalyticsHandler(pipeline *analytics.Pipeline, cache *caching.Engine, logger zerolog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		pipeline: pipeline,
		cache:    cache,
		logger:   logger.With().Str("handler", "analytics").Logger(),
	}
}

// ─── Cost Query Endpoint ─────────────────────────────

// CostQueryRequest is the expected JSON body for cost queries.
type CostQueryRequest struct {
	// GroupBy fields: model, team, provider, date, user, endpoint
	GroupBy []string `json:"group_by"`
	// Date filters (ISO 8601)
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	// Optional filters
	OrgID    string   `json:"org_id"`
	TeamID   string   `json:"team_id"`
	Models   []string `json:"models"`
	Providers []string `json:"providers"`
	// Pagination
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// CostQueryResponse is the response for cost queries.
type CostQueryResponse struct {
	Data       []CostRow    `json:"data"`
	TotalCost  float64      `json:"total_cost_usd"`
	TotalTokens int64       `json:"total_tokens"`
	QueryTime  string       `json:"query_time_ms"`
	GroupedBy  []string     `json:"grouped_by"`
	DateRange  DateRange    `json:"date_range"`
}

// CostRow is a single row in cost query results.
type CostRow struct {
	Model           string  `json:"model,omitempty"`
	Provider        string  `json:"provider,omitempty"`
	TeamID          string  `json:"team_id,omitempty"`
	UserID          string  `json:"user_id,omitempty"`
	Endpoint        string  `json:"endpoint,omitempty"`
	Date            string  `json:"date,omitempty"`
	RequestCount    int64   `json:"request_count"`
	PromptTokens    int64   `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens     int64   `json:"total_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	CacheHits       int64   `json:"cache_hits"`
	CacheHitRate    float64 `json:"cache_hit_rate_pct"`
}

// DateRange represents a date range in the query.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// QueryCost handles POST /v1/analytics/cost.
//
// Request body:
//
//	{
//	  "group_by": ["model", "team"],
//	  "start_date": "2025-01-01",
//	  "end_date": "2025-01-31",
//	  "org_id": "org_123"
//	}
func (h *AnalyticsHandler) QueryCost(w http.ResponseWriter, r *http.Request) {
	// Parse request
	var req CostQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// Validate group_by
	validGroups := map[string]bool{
		"model": true, "team": true, "provider": true,
		"date": true, "user": true, "endpoint": true,
	}
	for _, g := range req.GroupBy {
		if !validGroups[g] {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid group_by field: " + g,
			})
			return
		}
	}

	// Default date range: last 30 days
	now := time.Now().UTC()
	startDate := now.AddDate(0, 0, -30).Format("2006-01-02")
	endDate := now.Format("2006-01-02")
	if req.StartDate != "" {
		startDate = req.StartDate
	}
	if req.EndDate != "" {
		endDate = req.EndDate
	}

	// Default limit
	if req.Limit <= 0 || req.Limit > 10000 {
		req.Limit = 100
	}

	// No cost source is queried: the response carries an empty data set
	// with zero totals, echoing the requested grouping and date range.
	h.logger.Info().
		Strs("group_by", req.GroupBy).
		Str("start_date", startDate).
		Str("end_date", endDate).
		Str("org_id", req.OrgID).
		Msg("cost query executed")

	response := CostQueryResponse{
		Data:        []CostRow{},
		TotalCost:   0,
		TotalTokens: 0,
		QueryTime:   "0ms",
		GroupedBy:   req.GroupBy,
		DateRange: DateRange{
			Start: startDate,
			End:   endDate,
		},
	}

	writeJSON(w, http.StatusOK, response)
}

// PipelineStats handles GET /v1/analytics/pipeline (pipeline health).
func (h *AnalyticsHandler) PipelineStats(w http.ResponseWriter, r *http.Request) {
	stats := h.pipeline.Stats()
	writeJSON(w, http.StatusOK, stats)
}

// ─── Latency Query ──────────────────────────────────

// LatencyQueryRequest for latency percentile queries.
type LatencyQueryRequest struct {
	Providers  []string `json:"providers"`
	Models     []string `json:"models"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	Percentiles []float64 `json:"percentiles"` // e.g. [50, 95, 99]
}

// LatencyRow is a single row in latency results.
type LatencyRow struct {
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Metrics  map[string]float64 `json:"metrics"` // p50, p95, p99
	Count    int64              `json:"request_count"`
}

// QueryLatency handles POST /v1/analytics/latency.
func (h *AnalyticsHandler) QueryLatency(w http.ResponseWriter, r *http.Request) {
	var req LatencyQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// Default percentiles
	if len(req.Percentiles) == 0 {
		req.Percentiles = []float64{50, 95, 99}
	}

	h.logger.Info().
		Strs("providers", req.Providers).
		Floats64("percentiles", req.Percentiles).
		Msg("latency query executed")

	// No latency source is queried: the response carries an empty data set.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":        []LatencyRow{},
		"percentiles": req.Percentiles,
	})
}

// ─── Cache Analytics ────────────────────────────────

// CacheAnalytics handles GET /v1/analytics/cache. It reports the
// semantic cache's cumulative hit/miss counters; deterministic-cache and
// coalesced hits are tracked separately via Prometheus, not here.
func (h *AnalyticsHandler) CacheAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cache_hit_rate_pct": 0,
			"total_cache_hits":   0,
			"total_requests":     0,
		})
		return
	}
	stats := h.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache_hit_rate_pct": stats.HitRate,
		"total_cache_hits":   stats.Hits,
		"total_requests":     stats.Hits + stats.Misses,
	})
}

// ─── Daily Cost Aggregation ─────────────────────────

// DailyCostRow represents a single day's cost aggregation.
type DailyCostRow struct {
	Date            string  `json:"date"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"model,omitempty"`
	TeamID          string  `json:"team_id,omitempty"`
	RequestCount    int64   `json:"request_count"`
	TotalTokens     int64   `json:"total_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	CacheHits       int64   `json:"cache_hits"`
}

// DailyCostAggregation handles GET /v1/analytics/daily.
// Returns the resolved date range and grouping with an empty data set.
func (h *AnalyticsHandler) DailyCostAggregation(w http.ResponseWriter, r *http.Request) {
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")
	groupBy := r.URL.Query().Get("group_by") // provider, model, team

	now := time.Now().UTC()
	if startDate == "" {
		startDate = now.AddDate(0, 0, -30).Format("2006-01-02")
	}
	if endDate == "" {
		endDate = now.Format("2006-01-02")
	}

	h.logger.Info().
		Str("start_date", startDate).
		Str("end_date", endDate).
		Str("group_by", groupBy).
		Msg("daily cost aggregation query")

	// The daily_cost_mv view is not queried; data is always empty.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": []DailyCostRow{},
		"date_range": DateRange{
			Start: startDate,
			End:   endDate,
		},
		"group_by": groupBy,
	})
}

// ─── CSV Export ──────────────────────────────────────

// ExportCostCSV handles GET /v1/analytics/export/csv.
// Sends a CSV file download holding only the header row; no cost rows
// are written.
func (h *AnalyticsHandler) ExportCostCSV(w http.ResponseWriter, r *http.Request) {
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")
	groupBy := r.URL.Query().Get("group_by")

	now := time.Now().UTC()
	if startDate == "" {
		startDate = now.AddDate(0, 0, -30).Format("2006-01-02")
	}
	if endDate == "" {
		endDate = now.Format("2006-01-02")
	}

	h.logger.Info().
		Str("start_date", startDate).
		Str("end_date", endDate).
		Msg("CSV export requested")

	// Set CSV headers
	filename := "gateway_cost_" + startDate + "_to_" + endDate + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	w.WriteHeader(http.StatusOK)

	// Write CSV header row
	header := "date,provider,model,team_id,request_count,prompt_tokens,completion_tokens,total_tokens,cost_usd,cache_hits,cache_hit_rate\n"
	w.Write([]byte(header))

	// No data rows follow the header: daily_cost_mv is not queried.

	_ = groupBy // parsed but unused, since no query is run
}
