package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/analytics"
	"github.com/nimbusgate/gateway/caching"
	"github.com/nimbusgate/gateway/coalesce"
	"github.com/nimbusgate/gateway/config"
	"github.com/nimbusgate/gateway/detcache"
	"github.com/nimbusgate/gateway/fingerprint"
	"github.com/nimbusgate/gateway/metering"
	"github.com/nimbusgate/gateway/middleware"
	"github.com/nimbusgate/gateway/observability"
	"github.com/nimbusgate/gateway/provider"
	"github.com/nimbusgate/gateway/quota"
	"github.com/nimbusgate/gateway/security"
	"github.com/nimbusgate/gateway/streamtee"
)

// ProxyHandler implements the cost-optimizing request pipeline: auth has
// already run by the time requests reach here, so every method starts
// from rate/quota admission and proceeds through the dedup and caching
// stages before ever reaching an upstream provider.
type ProxyHandler struct {
	logger    zerolog.Logger
	registry  *provider.Registry
	quota     *quota.Limiter
	detCache  *detcache.Store
	semCache  *caching.Engine
	coalescer *coalesce.Coalescer
	tokens    *metering.TokenCounter
	costs     *metering.CostEngine
	pipeline  *analytics.Pipeline
	metrics   *observability.Metrics

	keyVault          security.KeyVault
	tenantConfigs     middleware.TenantConfigStore
	defaultPlan       quota.Plan
	semanticThreshold float64
	cacheTTL          time.Duration
	embeddingModel    string
}

// ProxyHandlerConfig bundles the pipeline's dependencies.
type ProxyHandlerConfig struct {
	Logger            zerolog.Logger
	Registry          *provider.Registry
	Quota             *quota.Limiter
	DetCache          *detcache.Store
	SemCache          *caching.Engine
	Coalescer         *coalesce.Coalescer
	Tokens            *metering.TokenCounter
	Costs             *metering.CostEngine
	Pipeline          *analytics.Pipeline
	Metrics           *observability.Metrics
	KeyVault          security.KeyVault
	TenantConfigs     middleware.TenantConfigStore
	DefaultPlan       quota.Plan
	SemanticThreshold float64
	CacheTTL          time.Duration
	EmbeddingModel    string
}

// NewProxyHandler creates a new proxy handler.
func NewProxyHandler(cfg ProxyHandlerConfig) *ProxyHandler {
	return &ProxyHandler{
		logger:            cfg.Logger.With().Str("handler", "proxy").Logger(),
		registry:          cfg.Registry,
		quota:             cfg.Quota,
		detCache:          cfg.DetCache,
		semCache:          cfg.SemCache,
		coalescer:         cfg.Coalescer,
		tokens:            cfg.Tokens,
		costs:             cfg.Costs,
		pipeline:          cfg.Pipeline,
		metrics:           cfg.Metrics,
		keyVault:          cfg.KeyVault,
		tenantConfigs:     cfg.TenantConfigs,
		defaultPlan:       cfg.DefaultPlan,
		semanticThreshold: cfg.SemanticThreshold,
		cacheTTL:          cfg.CacheTTL,
		embeddingModel:    cfg.EmbeddingModel,
	}
}

// resolveTenantConfig looks up a tenant's configurable options,
// falling back to config.DefaultTenantConfig on a miss or lookup
// error (admission/caching then proceed with the gateway's global
// defaults rather than failing the request).
func (h *ProxyHandler) resolveTenantConfig(ctx context.Context, tenant string) config.TenantConfig {
	if h.tenantConfigs == nil {
		return config.DefaultTenantConfig()
	}
	cfg, ok, err := h.tenantConfigs.Get(ctx, tenant)
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant", tenant).Msg("tenant config lookup failed, using defaults")
		return config.DefaultTenantConfig()
	}
	if !ok {
		return config.DefaultTenantConfig()
	}
	return cfg
}

// applyBYOK swaps prov's configured API key for a tenant's BYOK override,
// when the key vault has one. A vault miss (no override, no fallback key
// configured) leaves prov unchanged — the provider's own configured key
// still applies.
func (h *ProxyHandler) applyBYOK(ctx context.Context, tenant string, prov provider.Provider) provider.Provider {
	if h.keyVault == nil {
		return prov
	}
	key, err := h.keyVault.ProviderKey(ctx, tenant)
	if err != nil || key == "" {
		return prov
	}
	return prov.WithAPIKey(key)
}

// requestState carries the bookkeeping a single pipeline run accumulates
// across stages, so headers and analytics events can be assembled once
// at the end regardless of which stage produced the response.
type requestState struct {
	start       time.Time
	tenant      string
	requestID   string
	model       string
	provName    string
	cacheStatus string // "miss" | "deterministic" | "semantic" | "coalesced"
	cacheAge    time.Duration
	similarity  float64
	inputTokens int
	outputTok   int
	costUSD     float64
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	st := &requestState{start: time.Now(), requestID: r.Header.Get("X-Request-ID")}
	st.tenant = middleware.GetTenant(r.Context())

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model field is required")
		return
	}
	if len(req.Messages) == 0 {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "messages field is required and must not be empty")
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "temperature must be between 0 and 2")
		return
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "max_tokens must be at least 1")
		return
	}
	st.model = req.Model

	if !h.admit(w, r, st) {
		return
	}

	if r.Header.Get("X-Gateway-DryRun") == "true" {
		h.handleDryRun(w, &req)
		return
	}

	prov, err := h.registry.GetForModel(req.Model)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	prov = h.applyBYOK(r.Context(), st.tenant, prov)
	st.provName = prov.Name()

	fpReq := toFingerprintRequest(&req)
	fp := fingerprint.Fingerprint(fpReq, st.tenant)
	tenantCfg := h.resolveTenantConfig(r.Context(), st.tenant)

	if req.Stream {
		h.handleStreamingChat(w, r, prov, &req, st, fpReq, fp, tenantCfg)
		return
	}
	h.handleNonStreamingChat(w, r, prov, &req, st, fpReq, fp, tenantCfg)
}

// admit runs the rate/quota admission check and writes the standard
// rate-limit headers. Returns false if the request was rejected (a
// response has already been written).
func (h *ProxyHandler) admit(w http.ResponseWriter, r *http.Request, st *requestState) bool {
	if h.quota == nil {
		return true
	}
	plan := h.defaultPlan
	if tenantCfg := h.resolveTenantConfig(r.Context(), st.tenant); tenantCfg.Plan != "" {
		limits := tenantCfg.Limits()
		plan = quota.Plan{RequestsPerMinute: limits.RequestsPerMinute, RequestsPerMonth: limits.RequestsPerMonth}
	}
	dec, err := h.quota.Admit(r.Context(), st.tenant, plan)
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant", st.tenant).Msg("quota admission failed, failing open")
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
	w.Header().Set("X-Quota-Limit", strconv.Itoa(dec.QuotaLimit))
	w.Header().Set("X-Quota-Remaining", strconv.Itoa(dec.QuotaRemaining))

	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Seconds())))
		if dec.QuotaLimit > 0 && dec.QuotaRemaining <= 0 {
			writeErrorEnvelopeWithCode(w, http.StatusTooManyRequests, "quota_exceeded_error", "monthly request quota exceeded", "quota_exceeded")
		} else {
			writeErrorEnvelopeWithCode(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded", "rate_limited")
		}
		return false
	}

	if err := h.quota.Observe(r.Context(), st.tenant); err != nil {
		h.logger.Warn().Err(err).Str("tenant", st.tenant).Msg("failed to observe monthly quota")
	}
	return true
}

// handleNonStreamingChat runs the deterministic/semantic/coalesce cascade
// for a single-shot chat completion.
func (h *ProxyHandler) handleNonStreamingChat(w http.ResponseWriter, r *http.Request, prov provider.Provider, req *provider.ChatRequest, st *requestState, fpReq fingerprint.Request, fp string, tenantCfg config.TenantConfig) {
	ctx := r.Context()
	threshold := tenantCfg.EffectiveThreshold(h.semanticThreshold)
	ttl := tenantCfg.EffectiveTTL("/v1/chat/completions", h.cacheTTL)

	if h.detCache != nil {
		if entry, ok, err := h.detCache.Get(ctx, fp); err == nil && ok {
			st.cacheStatus = "deterministic"
			st.cacheAge = time.Since(entry.GeneratedAt)
			st.inputTokens, st.outputTok = entry.InputTokens, entry.OutputTokens
			st.costUSD = h.costs.Calculate(prov.Name(), entry.Model, entry.InputTokens, entry.OutputTokens)
			h.writeCachedChatResponse(w, entry.Payload, st)
			h.logUsage(st, http.StatusOK, req.Stream)
			return
		}
	}

	bucketKey := fingerprint.BucketKey(req.Model, fingerprint.ContextHash(fpReq, systemMessageText(req)))
	if h.semCache != nil && h.embeddingModel != "" {
		queryEmbedding, err := h.embed(ctx, prov, fingerprint.EmbeddingInput(fpReq))
		if err == nil {
			if hit, ok := h.semCache.Find(ctx, st.tenant, caching.KindChat, bucketKey, queryEmbedding, threshold); ok {
				st.cacheStatus = "semantic"
				st.similarity = hit.Similarity
				st.cacheAge = time.Since(hit.Entry.GeneratedAt)
				st.inputTokens, st.outputTok = hit.Entry.InputTokens, hit.Entry.OutputTokens
				st.costUSD = h.costs.Calculate(prov.Name(), hit.Entry.Model, hit.Entry.InputTokens, hit.Entry.OutputTokens)
				h.writeCachedChatResponse(w, hit.Entry.Payload, st)
				h.logUsage(st, http.StatusOK, req.Stream)
				return
			}
		} else {
			h.logger.Warn().Err(err).Msg("embedding lookup failed, skipping semantic cache")
		}
	}

	var acquire coalesce.AcquireResult
	if h.coalescer != nil {
		var err error
		acquire, err = h.coalescer.Acquire(ctx, st.tenant, fp, st.requestID)
		if err != nil {
			h.logger.Warn().Err(err).Msg("coalesce acquire failed, proceeding as leader")
			acquire = coalesce.AcquireResult{Leader: true}
		}
		if !acquire.Leader {
			if payload, ok, err := h.coalescer.AwaitResponse(ctx, st.tenant, fp); err == nil && ok {
				st.cacheStatus = "coalesced"
				h.writeRawChatResponse(w, payload, st)
				h.logUsage(st, http.StatusOK, req.Stream)
				return
			}
			// Leader failed or the wait ceiling elapsed: fall through and
			// dispatch independently rather than leaving the client stuck.
		}
	}

	resp, err := prov.ChatCompletion(ctx, req)
	if err != nil {
		if h.coalescer != nil && acquire.Leader {
			_ = h.coalescer.Release(ctx, st.tenant, fp)
		}
		h.logger.Error().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Msg("provider error")
		writeErrorEnvelope(w, http.StatusBadGateway, "api_error", "upstream provider error: "+err.Error())
		h.logUsage(st, http.StatusBadGateway, req.Stream)
		return
	}

	st.cacheStatus = "miss"
	st.inputTokens = resp.Usage.PromptTokens
	st.outputTok = resp.Usage.CompletionTokens
	st.costUSD = h.costs.Calculate(prov.Name(), req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	payload, _ := json.Marshal(resp)

	if h.coalescer != nil && acquire.Leader {
		_ = h.coalescer.Publish(ctx, st.tenant, fp, payload)
	}
	if h.detCache != nil {
		_ = h.detCache.Put(ctx, fp, detcache.Entry{
			Tenant: st.tenant, Payload: payload, Model: req.Model, GeneratedAt: time.Now(),
			InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens,
		}, ttl)
	}
	if h.semCache != nil && h.embeddingModel != "" {
		if embedding, err := h.embed(ctx, prov, fingerprint.EmbeddingInput(fpReq)); err == nil {
			h.semCache.Put(st.tenant, &caching.Entry{
				BucketKey: bucketKey, Model: req.Model, Kind: caching.KindChat,
				Embedding: embedding, SourceText: fingerprint.EmbeddingInput(fpReq),
				Payload: payload, GeneratedAt: time.Now(), ExpiresAt: expiryFor(ttl),
				InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens,
			})
		}
	}

	h.writeRawChatResponse(w, payload, st)
	h.logUsage(st, http.StatusOK, req.Stream)
}

// handleStreamingChat runs the stream-cache-lookup/live-stream cascade.
func (h *ProxyHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, prov provider.Provider, req *provider.ChatRequest, st *requestState, fpReq fingerprint.Request, fp string, tenantCfg config.TenantConfig) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorEnvelope(w, http.StatusInternalServerError, "api_error", "streaming not supported by server")
		return
	}
	ctx := r.Context()
	ttl := tenantCfg.EffectiveTTL("/v1/chat/completions", h.cacheTTL)

	if h.detCache != nil {
		if entry, ok, err := h.detCache.Get(ctx, fp); err == nil && ok {
			var transcript streamtee.Transcript
			if err := json.Unmarshal(entry.Payload, &transcript); err == nil {
				st.cacheStatus = "deterministic"
				st.cacheAge = time.Since(entry.GeneratedAt)
				st.inputTokens, st.outputTok = entry.InputTokens, entry.OutputTokens
				st.costUSD = h.costs.Calculate(prov.Name(), entry.Model, entry.InputTokens, entry.OutputTokens)
				h.writeStreamHeaders(w, st)
				flusher.Flush()
				_ = streamtee.Replay(ctx, w, flusher, &transcript, true)
				h.logUsage(st, http.StatusOK, true)
				return
			}
		}
	}

	stream, err := prov.ChatCompletionStream(ctx, req)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Msg("stream error")
		writeErrorEnvelope(w, http.StatusBadGateway, "api_error", "upstream provider streaming error: "+err.Error())
		return
	}
	defer stream.Close()

	st.cacheStatus = "miss"
	h.writeStreamHeaders(w, st)
	flusher.Flush()

	result := streamtee.TeeAndCapture(ctx, w, flusher, stream)

	inputChars := 0
	for _, m := range toMeteringMessages(req.Messages) {
		inputChars += len(m.Content)
	}
	inputTokens := (inputChars + 3) / 4
	st.inputTokens = inputTokens
	if result.Transcript != nil {
		st.outputTok = result.Transcript.Tokens()
	}
	st.costUSD = h.costs.Calculate(prov.Name(), req.Model, st.inputTokens, st.outputTok)

	if result.Transcript != nil && result.Transcript.Complete && len(result.Transcript.Chunks) >= streamtee.MinChunksToCache {
		payload, _ := json.Marshal(result.Transcript)
		if h.detCache != nil {
			_ = h.detCache.Put(ctx, fp, detcache.Entry{
				Tenant: st.tenant, Payload: payload, Model: req.Model, GeneratedAt: time.Now(),
				InputTokens: st.inputTokens, OutputTokens: st.outputTok, TotalTokens: st.inputTokens + st.outputTok,
			}, ttl)
		}
	}

	status := http.StatusOK
	if result.UpstreamErr != nil && result.UpstreamErr != io.EOF {
		status = http.StatusBadGateway
	}
	h.logUsage(st, status, true)
}

func (h *ProxyHandler) writeStreamHeaders(w http.ResponseWriter, st *requestState) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Cache", st.cacheStatus)
	w.Header().Set("X-Provider", st.provName)
	w.Header().Set("X-Gateway-Model", st.model)
	w.WriteHeader(http.StatusOK)
}

func (h *ProxyHandler) writeCachedChatResponse(w http.ResponseWriter, payload []byte, st *requestState) {
	h.writeRawChatResponse(w, payload, st)
}

func (h *ProxyHandler) writeRawChatResponse(w http.ResponseWriter, payload []byte, st *requestState) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", st.cacheStatus)
	w.Header().Set("X-Provider", st.provName)
	w.Header().Set("X-Gateway-Model", st.model)
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(st.start).Milliseconds(), 10))
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.8f", st.costUSD))
	if st.cacheStatus == "semantic" {
		w.Header().Set("X-Cache-Similarity", fmt.Sprintf("%.4f", st.similarity))
	}
	if st.cacheStatus != "miss" {
		w.Header().Set("X-Cache-Age", strconv.FormatInt(int64(st.cacheAge.Seconds()), 10))
		w.Header().Set("X-Tokens-Saved", strconv.Itoa(st.inputTokens+st.outputTok))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *ProxyHandler) logUsage(st *requestState, statusCode int, stream bool) {
	if h.metrics != nil {
		h.metrics.TrackRequest(st.provName, st.model, "chat.completions", statusCode, float64(time.Since(st.start).Milliseconds()), int64(st.inputTokens+st.outputTok), st.cacheStatus != "" && st.cacheStatus != "miss")
		h.metrics.TrackCost(st.provName, st.model, st.costUSD)
	}
	if h.pipeline == nil {
		return
	}
	method := "chat.completions"
	if stream {
		method = "chat.completions.stream"
	}
	h.pipeline.TrackRequest(analytics.RequestEvent{
		RequestID:        st.requestID,
		OrgID:            st.tenant,
		Provider:         st.provName,
		Model:            st.model,
		Endpoint:         "/v1/chat/completions",
		Method:           method,
		PromptTokens:     st.inputTokens,
		CompletionTokens: st.outputTok,
		TotalTokens:      st.inputTokens + st.outputTok,
		CostMicrodollars: int64(st.costUSD * 1e6),
		LatencyMs:        int(time.Since(st.start).Milliseconds()),
		StatusCode:       statusCode,
		IsCached:         st.cacheStatus != "" && st.cacheStatus != "miss",
		CacheSimilarity:  float32(st.similarity),
		CreatedAt:        time.Now(),
	})
	h.pipeline.TrackCost(analytics.CostEvent{
		EventID:          st.requestID,
		OrgID:            st.tenant,
		Provider:         st.provName,
		Model:            st.model,
		PromptTokens:     st.inputTokens,
		CompletionTokens: st.outputTok,
		CostMicrodollars: int64(st.costUSD * 1e6),
		RequestID:        st.requestID,
		EventType:        "deduction",
		CreatedAt:        time.Now(),
	})
}

// embed resolves the embedding vector for a piece of text via the
// gateway's configured embedding model, using whichever provider
// currently serves it.
func (h *ProxyHandler) embed(ctx context.Context, fallback provider.Provider, text string) ([]float64, error) {
	prov, err := h.registry.GetForModel(h.embeddingModel)
	if err != nil {
		prov = fallback
	}
	resp, err := prov.Embeddings(ctx, &provider.EmbeddingsRequest{Model: h.embeddingModel, Input: text})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// Completions handles POST /v1/completions, the legacy non-chat surface.
// Streaming legacy completions are out of scope: stream=true is rejected
// before a provider is ever consulted.
func (h *ProxyHandler) Completions(w http.ResponseWriter, r *http.Request) {
	st := &requestState{start: time.Now(), requestID: r.Header.Get("X-Request-ID")}
	st.tenant = middleware.GetTenant(r.Context())

	var raw struct {
		provider.CompletionRequest
		Stream bool `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if raw.Stream {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "stream=true is not supported on /v1/completions")
		return
	}
	req := raw.CompletionRequest
	if req.Model == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model field is required")
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "temperature must be between 0 and 2")
		return
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "max_tokens must be at least 1")
		return
	}
	st.model = req.Model

	if !h.admit(w, r, st) {
		return
	}

	prov, err := h.registry.GetForModel(req.Model)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	prov = h.applyBYOK(r.Context(), st.tenant, prov)
	st.provName = prov.Name()

	resp, err := prov.Completion(r.Context(), &req)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Msg("provider error")
		writeErrorEnvelope(w, http.StatusBadGateway, "api_error", "upstream provider error: "+err.Error())
		h.logUsage(st, http.StatusBadGateway, false)
		return
	}

	st.cacheStatus = "miss"
	st.inputTokens = resp.Usage.PromptTokens
	st.outputTok = resp.Usage.CompletionTokens
	st.costUSD = h.costs.Calculate(prov.Name(), req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Provider", prov.Name())
	w.Header().Set("X-Gateway-Model", st.model)
	w.Header().Set("X-Cache", "miss")
	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(st.start).Milliseconds(), 10))
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.8f", st.costUSD))
	_ = json.NewEncoder(w).Encode(resp)
	h.logUsage(st, http.StatusOK, false)
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	st := &requestState{start: time.Now(), requestID: r.Header.Get("X-Request-ID")}
	st.tenant = middleware.GetTenant(r.Context())

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", "model field is required")
		return
	}
	st.model = req.Model

	if !h.admit(w, r, st) {
		return
	}

	prov, err := h.registry.GetForModel(req.Model)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	prov = h.applyBYOK(r.Context(), st.tenant, prov)
	st.provName = prov.Name()

	resp, err := prov.Embeddings(r.Context(), &req)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadGateway, "api_error", "upstream provider error: "+err.Error())
		h.logUsage(st, http.StatusBadGateway, false)
		return
	}

	st.cacheStatus = "miss"
	st.inputTokens = resp.Usage.PromptTokens
	st.costUSD = h.costs.Calculate(prov.Name(), req.Model, resp.Usage.PromptTokens, 0)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Provider", prov.Name())
	w.Header().Set("X-Gateway-Model", st.model)
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.8f", st.costUSD))
	_ = json.NewEncoder(w).Encode(resp)
	h.logUsage(st, http.StatusOK, false)
}

// handleDryRun estimates cost without calling the provider.
func (h *ProxyHandler) handleDryRun(w http.ResponseWriter, req *provider.ChatRequest) {
	providerName := provider.DetectProvider(req.Model)

	promptTokens := h.tokens.EstimateMessagesTokens(toMeteringMessages(req.Messages))
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	estimatedCost := h.costs.Estimate(providerName, req.Model, promptTokens, maxTokens)

	resp := map[string]interface{}{
		"dry_run":  true,
		"model":    req.Model,
		"provider": providerName,
		"estimated_tokens": map[string]int{
			"prompt_tokens":   promptTokens,
			"max_completion":  maxTokens,
			"total_estimated": promptTokens + maxTokens,
		},
		"estimated_cost_usd": estimatedCost,
		"message":            "dry run complete, no provider was called",
	}

	writeJSON(w, http.StatusOK, resp)
}

// Models handles GET /v1/models.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.List()
	models := make([]map[string]interface{}, 0)

	for _, name := range providers {
		prov, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		for _, model := range prov.Models() {
			models = append(models, map[string]interface{}{
				"id": model, "object": "model", "provider": name, "owned_by": name,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": models})
}

// ProviderHealth handles GET /v1/providers/health.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.HealthCheckAll(r.Context())

	resp := make(map[string]interface{})
	for name, status := range health {
		resp[name] = map[string]interface{}{
			"healthy":    status.Healthy,
			"latency_ms": status.Latency.Milliseconds(),
			"last_check": status.LastCheck.Format(time.RFC3339),
			"error":      status.Error,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAPIKeyFromRequest extracts the API key from the request context.
func GetAPIKeyFromRequest(r *http.Request) string {
	apiKey := middleware.GetAPIKey(r.Context())
	if apiKey != "" {
		return apiKey
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	return auth
}

// ─── Helpers ────────────────────────────────────────────────

func toFingerprintRequest(req *provider.ChatRequest) fingerprint.Request {
	messages := make([]fingerprint.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, fingerprint.Message{Role: m.Role, Content: contentToText(m.Content)})
	}
	return fingerprint.Request{
		Model: req.Model, Messages: messages,
		Temperature: req.Temperature, Seed: req.Seed, Stop: req.Stop,
		ResponseFormat: req.ResponseFormat, Functions: req.Functions,
		ToolChoice: req.ToolChoice, Tools: req.Tools,
	}
}

func contentToText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func systemMessageText(req *provider.ChatRequest) string {
	for _, m := range req.Messages {
		if m.Role == "system" {
			return contentToText(m.Content)
		}
	}
	return ""
}

func toMeteringMessages(messages []provider.ChatMessage) []metering.Message {
	out := make([]metering.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, metering.Message{Role: m.Role, Content: contentToText(m.Content), Name: m.Name})
	}
	return out
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
