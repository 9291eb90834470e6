package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbusgate/gateway/caching"
	"github.com/nimbusgate/gateway/coalesce"
	"github.com/nimbusgate/gateway/config"
	"github.com/nimbusgate/gateway/detcache"
	gwmw "github.com/nimbusgate/gateway/middleware"
	"github.com/nimbusgate/gateway/metering"
	"github.com/nimbusgate/gateway/provider"
	"github.com/nimbusgate/gateway/quota"
)

// ─── fakeProvider: a scriptable Provider stand-in for the pipeline tests ───

type fakeProvider struct {
	name  string
	calls int32
	delay time.Duration
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return &provider.ChatResponse{
		ID: fmt.Sprintf("chatcmpl-%d", atomic.LoadInt32(&p.calls)), Object: "chat.completion",
		Model: req.Model,
		Choices: []provider.Choice{{
			Index: 0, FinishReason: "stop",
			Message: provider.ChatMessage{Role: "assistant", Content: "hello back"},
		}},
		Usage: provider.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}, nil
}

func (p *fakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
	return nil, fmt.Errorf("not implemented in fakeProvider")
}

func (p *fakeProvider) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	text, _ := req.Input.(string)
	return &provider.EmbeddingsResponse{
		Object: "list", Model: req.Model,
		Data:  []provider.EmbeddingData{{Object: "embedding", Embedding: wordVectorEmbedding(text), Index: 0}},
		Usage: provider.EmbeddingsUsage{PromptTokens: 2, TotalTokens: 2},
	}, nil
}

func (p *fakeProvider) Completion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	atomic.AddInt32(&p.calls, 1)
	return &provider.CompletionResponse{
		ID: "cmpl-1", Object: "text_completion", Model: req.Model,
		Choices: []provider.CompletionChoice{{Index: 0, Text: "legacy reply", FinishReason: "stop"}},
		Usage:   provider.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: true, LastCheck: time.Now()}
}

func (p *fakeProvider) Models() []string { return []string{"mistral-test-model"} }

func (p *fakeProvider) WithAPIKey(apiKey string) provider.Provider {
	cp := *p
	return &cp
}

// wordVectorEmbedding hashes alphanumeric tokens into a fixed-size bag of
// words so near-identical normalized prompts (S4) embed close together
// while a differing prompt (S5's distinct tool context still shares most
// words) stays distinguishable via the cache's bucket-key pre-filter
// rather than via the embedding itself.
var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func wordVectorEmbedding(text string) []float64 {
	const dims = 32
	vec := make([]float64, dims)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		var h uint32 = 2166136261
		for _, c := range []byte(tok) {
			h ^= uint32(c)
			h *= 16777619
		}
		vec[int(h)%dims] += 1
	}
	return vec
}

// ─── test harness ───────────────────────────────────────────

type harness struct {
	handler  *ProxyHandler
	prov     *fakeProvider
	registry *provider.Registry
	mr       *miniredis.Miniredis
	rdb      *redis.Client
}

func newHarness(t *testing.T, plan quota.Plan) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zerolog.Nop()
	registry := provider.NewRegistry()
	prov := &fakeProvider{name: "mistral"}
	registry.Register(prov)

	quotaLimiter := quota.New(rdb, logger)
	detStore := detcache.New(rdb)
	semCache := caching.NewEngine(logger, nil, 50)
	coalescer := coalesce.New(rdb, coalesce.Config{
		LeaseTTL: 30 * time.Second, PollInterval: 5 * time.Millisecond,
		WaitCeiling: 2 * time.Second, PublishTTL: 10 * time.Second,
	})
	tenantConfigs := gwmw.NewRedisTenantConfigStore(rdb, logger)

	h := NewProxyHandler(ProxyHandlerConfig{
		Logger: logger, Registry: registry,
		Quota: quotaLimiter, DetCache: detStore, SemCache: semCache, Coalescer: coalescer,
		Tokens: metering.NewTokenCounter(), Costs: metering.NewCostEngine(provider.DefaultPricing()),
		TenantConfigs:     tenantConfigs,
		DefaultPlan:       plan,
		SemanticThreshold: 0.85,
		CacheTTL:          time.Minute,
		EmbeddingModel:    "text-embedding-3-small",
	})

	return &harness{handler: h, prov: prov, registry: registry, mr: mr, rdb: rdb}
}

func chatRequest(tenant, model, content string) *http.Request {
	body := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":%q}],"temperature":0.5}`, model, content)
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	ctx := context.WithValue(r.Context(), gwmw.TenantContextKey, tenant)
	return r.WithContext(ctx)
}

// ─── S1 — cold miss then warm hit ───────────────────────────

func TestChatCompletions_ColdMissThenWarmHit(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 60, RequestsPerMonth: 0})
	const model = "mistralai/mistral-7b-instruct:free"

	w1 := httptest.NewRecorder()
	h.handler.ChatCompletions(w1, chatRequest("tenant-starter", model, "Hello"))
	if w1.Code != http.StatusOK {
		t.Fatalf("first call: status = %d, body = %s", w1.Code, w1.Body.String())
	}
	if got := w1.Header().Get("X-Cache"); got != "miss" {
		t.Fatalf("first call: X-Cache = %q, want miss", got)
	}
	if h.prov.calls != 1 {
		t.Fatalf("upstream calls after first request = %d, want 1", h.prov.calls)
	}

	w2 := httptest.NewRecorder()
	h.handler.ChatCompletions(w2, chatRequest("tenant-starter", model, "Hello"))
	if w2.Code != http.StatusOK {
		t.Fatalf("second call: status = %d, body = %s", w2.Code, w2.Body.String())
	}
	if got := w2.Header().Get("X-Cache"); got != "deterministic" {
		t.Fatalf("second call: X-Cache = %q, want deterministic", got)
	}
	if h.prov.calls != 1 {
		t.Fatalf("upstream calls after second request = %d, want still 1", h.prov.calls)
	}
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("cached response body differs from the original:\nfirst:  %s\nsecond: %s", w1.Body.String(), w2.Body.String())
	}
}

// ─── S2 — rate denial ───────────────────────────────────────

func TestChatCompletions_RateDenialOnFreePlan(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 10, RequestsPerMonth: 0})
	const model = "mistralai/mistral-7b-instruct:free"

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		w := httptest.NewRecorder()
		// Vary content so every call is a distinct fingerprint and the
		// cache never intercepts the admission check under test.
		h.handler.ChatCompletions(w, chatRequest("tenant-free", model, fmt.Sprintf("message %d", i)))
		last = w
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d, want 429", last.Code)
	}
	if got := last.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("11th request: X-RateLimit-Remaining = %q, want 0", got)
	}
	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	if err != nil || retryAfter > 60 {
		t.Fatalf("11th request: Retry-After = %q, want an integer <= 60", last.Header().Get("Retry-After"))
	}

	// A further request in the same window stays denied.
	w := httptest.NewRecorder()
	h.handler.ChatCompletions(w, chatRequest("tenant-free", model, "message 11"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("12th request: status = %d, want 429", w.Code)
	}
}

// ─── S3 — coalescing ─────────────────────────────────────────

func TestChatCompletions_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 0, RequestsPerMonth: 0})
	h.prov.delay = 30 * time.Millisecond
	const model = "mistralai/mistral-7b-instruct:free"

	const n = 50
	var wg sync.WaitGroup
	statuses := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.handler.ChatCompletions(w, chatRequest("tenant-concurrent", model, "identical prompt"))
			statuses[idx] = w.Header().Get("X-Cache")
		}(i)
	}
	wg.Wait()

	misses, coalesced := 0, 0
	for _, s := range statuses {
		switch s {
		case "miss":
			misses++
		case "coalesced":
			coalesced++
		default:
			t.Fatalf("unexpected X-Cache value %q among concurrent requests", s)
		}
	}
	if misses != 1 {
		t.Fatalf("misses = %d, want exactly 1 leader", misses)
	}
	if coalesced != n-1 {
		t.Fatalf("coalesced = %d, want %d", coalesced, n-1)
	}
	if h.prov.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", h.prov.calls)
	}
}

// ─── S4 — semantic near-hit ──────────────────────────────────

func TestChatCompletions_SemanticNearHit(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 0, RequestsPerMonth: 0})
	const model = "mistralai/mistral-7b-instruct:free"

	w1 := httptest.NewRecorder()
	h.handler.ChatCompletions(w1, chatRequest("tenant-semantic", model, "What is 5 times 3?"))
	if w1.Code != http.StatusOK || w1.Header().Get("X-Cache") != "miss" {
		t.Fatalf("first call: status=%d X-Cache=%q body=%s", w1.Code, w1.Header().Get("X-Cache"), w1.Body.String())
	}

	w2 := httptest.NewRecorder()
	h.handler.ChatCompletions(w2, chatRequest("tenant-semantic", model, "please tell me what's 5 x 3"))
	if w2.Code != http.StatusOK {
		t.Fatalf("second call: status = %d, body = %s", w2.Code, w2.Body.String())
	}
	if got := w2.Header().Get("X-Cache"); got != "semantic" {
		t.Fatalf("second call: X-Cache = %q, want semantic", got)
	}
	sim, err := strconv.ParseFloat(w2.Header().Get("X-Cache-Similarity"), 64)
	if err != nil || sim < 0.85 {
		t.Fatalf("X-Cache-Similarity = %q, want >= 0.85", w2.Header().Get("X-Cache-Similarity"))
	}
	if h.prov.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1 (second request served from semantic cache)", h.prov.calls)
	}
}

// ─── S5 — semantic context miss ──────────────────────────────

func TestChatCompletions_SemanticMissOnDifferingToolContext(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 0, RequestsPerMonth: 0})
	const model = "mistralai/mistral-7b-instruct:free"

	w1 := httptest.NewRecorder()
	h.handler.ChatCompletions(w1, chatRequest("tenant-context", model, "What is 5 times 3?"))
	if w1.Code != http.StatusOK || w1.Header().Get("X-Cache") != "miss" {
		t.Fatalf("first call: status=%d X-Cache=%q", w1.Code, w1.Header().Get("X-Cache"))
	}

	body := `{"model":"` + model + `","messages":[{"role":"user","content":"please tell me what's 5 x 3"}],` +
		`"temperature":0.5,"tools":[{"type":"function","function":{"name":"calc"}}]}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r = r.WithContext(context.WithValue(r.Context(), gwmw.TenantContextKey, "tenant-context"))

	w2 := httptest.NewRecorder()
	h.handler.ChatCompletions(w2, r)
	if w2.Code != http.StatusOK {
		t.Fatalf("second call: status = %d, body = %s", w2.Code, w2.Body.String())
	}
	if got := w2.Header().Get("X-Cache"); got != "miss" {
		t.Fatalf("second call: X-Cache = %q, want miss (distinct tool context)", got)
	}
	if h.prov.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2 (tool context differs, no cache hit)", h.prov.calls)
	}
}

// ─── S7 — invalidation ───────────────────────────────────────

func TestCacheInvalidate_ForcesDeterministicCacheMiss(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 0, RequestsPerMonth: 0})
	const model = "mistralai/mistral-7b-instruct:free"

	w1 := httptest.NewRecorder()
	h.handler.ChatCompletions(w1, chatRequest("tenant-invalidate", model, "Hello"))
	if w1.Header().Get("X-Cache") != "miss" {
		t.Fatalf("first call: X-Cache = %q, want miss", w1.Header().Get("X-Cache"))
	}

	w2 := httptest.NewRecorder()
	h.handler.ChatCompletions(w2, chatRequest("tenant-invalidate", model, "Hello"))
	if w2.Header().Get("X-Cache") != "deterministic" {
		t.Fatalf("second call: X-Cache = %q, want deterministic", w2.Header().Get("X-Cache"))
	}

	cacheHandler := NewCacheHandler(h.handler.semCache, detcache.New(h.rdb), zerolog.Nop())
	invReq := httptest.NewRequest(http.MethodPost, "/v1/cache/invalidate", strings.NewReader(fmt.Sprintf(`{"model":%q}`, model)))
	invReq = invReq.WithContext(context.WithValue(invReq.Context(), gwmw.TenantContextKey, "tenant-invalidate"))
	invW := httptest.NewRecorder()
	cacheHandler.Invalidate(invW, invReq)
	if invW.Code != http.StatusOK {
		t.Fatalf("invalidate: status = %d, body = %s", invW.Code, invW.Body.String())
	}
	var invResp invalidateResponse
	if err := json.Unmarshal(invW.Body.Bytes(), &invResp); err != nil {
		t.Fatalf("decode invalidate response: %v", err)
	}
	if invResp.EntriesInvalidated < 1 {
		t.Fatalf("entries_invalidated = %d, want >= 1", invResp.EntriesInvalidated)
	}

	w3 := httptest.NewRecorder()
	h.handler.ChatCompletions(w3, chatRequest("tenant-invalidate", model, "Hello"))
	if got := w3.Header().Get("X-Cache"); got != "miss" {
		t.Fatalf("third call after invalidation: X-Cache = %q, want miss", got)
	}
	if h.prov.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2 (re-invoked after invalidation)", h.prov.calls)
	}
}

// ─── Comment 2 regression: distinct per-tenant plans/thresholds ─────

func TestAdmit_UsesPerTenantPlanOverGlobalDefault(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 60, RequestsPerMonth: 0})
	const model = "mistralai/mistral-7b-instruct:free"

	ctx := context.Background()
	cfg := config.TenantConfig{Plan: config.PlanFree}
	store := gwmw.NewRedisTenantConfigStore(h.rdb, zerolog.Nop())
	if err := store.Put(ctx, "tenant-scoped", cfg); err != nil {
		t.Fatalf("seed tenant config: %v", err)
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		w := httptest.NewRecorder()
		h.handler.ChatCompletions(w, chatRequest("tenant-scoped", model, fmt.Sprintf("msg %d", i)))
		last = w
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request for a free-plan tenant under a starter-plan global default: status = %d, want 429", last.Code)
	}

	// A different tenant with no stored config still gets the gateway's
	// global plan (60 rpm), so the same volume is allowed.
	w := httptest.NewRecorder()
	h.handler.ChatCompletions(w, chatRequest("tenant-unscoped", model, "msg"))
	if w.Code != http.StatusOK {
		t.Fatalf("tenant with no tenant-config record: status = %d, want 200 under the global default plan", w.Code)
	}
}

// ─── Comment 7 regression: parameter validation ──────────────────────

func TestChatCompletions_RejectsOutOfRangeTemperature(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 0, RequestsPerMonth: 0})
	body := `{"model":"mistralai/mistral-7b-instruct:free","messages":[{"role":"user","content":"hi"}],"temperature":2.5}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r = r.WithContext(context.WithValue(r.Context(), gwmw.TenantContextKey, "tenant-x"))

	w := httptest.NewRecorder()
	h.handler.ChatCompletions(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for temperature out of [0,2]", w.Code)
	}
}

func TestChatCompletions_RejectsNonPositiveMaxTokens(t *testing.T) {
	h := newHarness(t, quota.Plan{RequestsPerMinute: 0, RequestsPerMonth: 0})
	body := `{"model":"mistralai/mistral-7b-instruct:free","messages":[{"role":"user","content":"hi"}],"max_tokens":0}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	r = r.WithContext(context.WithValue(r.Context(), gwmw.TenantContextKey, "tenant-x"))

	w := httptest.NewRecorder()
	h.handler.ChatCompletions(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for max_tokens < 1", w.Code)
	}
}
