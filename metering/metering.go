package metering

import (
	"math"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nimbusgate/gateway/provider"
)

// TokenCounter estimates and counts tokens for metering purposes.
// Non-streaming usage is counted with a real BPE tokenizer (tiktoken-go)
// when available; streamed entries always use the character-ratio
// estimate, which callers are expected to apply directly as ceil(len/4).
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the cl100k_base encoding used by GPT-3.5/4-class
// models. If the encoding cannot be loaded (e.g. no network access to
// fetch its BPE ranks on first use), the counter falls back to the
// character-ratio estimate for every call.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// EstimateTokens returns the token count for a text string: exact BPE
// count when the encoder loaded, else ceil(len(text)/4).
func (tc *TokenCounter) EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	if tc.enc != nil {
		return len(tc.enc.Encode(text, nil, nil))
	}
	return charRatioEstimate(text)
}

// charRatioEstimate is the ceil(len(text)/4) estimator EstimateTokens
// falls back to when no BPE encoder is loaded.
func charRatioEstimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// EstimateMessagesTokens estimates total tokens for a chat conversation.
func (tc *TokenCounter) EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		// Each message has overhead: role token + separator.
		total += 4 // <im_start>, role, \n, content
		total += tc.EstimateTokens(msg.Content)
		if msg.Name != "" {
			total += tc.EstimateTokens(msg.Name)
		}
	}
	total += 2 // <im_start>assistant, final separator
	return total
}

// Message represents a simplified chat message for token counting.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// --- Cost Calculation Engine ---

// CostEngine calculates request costs based on token usage and pricing.
// Pricing data is owned by provider.PricingConfig — the gateway keeps a
// single pricing table shared between the provider-config API and the
// billing path.
type CostEngine struct {
	pricing *provider.PricingConfig
}

// NewCostEngine creates a cost engine backed by the given pricing table.
// If pricing is nil, the built-in default table is used.
func NewCostEngine(pricing *provider.PricingConfig) *CostEngine {
	if pricing == nil {
		pricing = provider.DefaultPricing()
	}
	return &CostEngine{pricing: pricing}
}

// Calculate computes the USD cost for a completed request.
func (ce *CostEngine) Calculate(providerName, model string, inputTokens, outputTokens int) float64 {
	return ce.pricing.CalculateCost(providerName, model, inputTokens, outputTokens)
}

// Estimate estimates cost before the request completes.
func (ce *CostEngine) Estimate(providerName, model string, inputTokens, maxOutputTokens int) float64 {
	return ce.pricing.EstimateCost(providerName, model, inputTokens, maxOutputTokens)
}

// IsFree returns true if the model is marked free of charge.
func (ce *CostEngine) IsFree(providerName, model string) bool {
	return ce.pricing.IsFreeModel(providerName, model)
}

// --- Reserve-Settle Pattern ---

// Reservation represents a pre-flight wallet hold for a request.
type Reservation struct {
	ID             string    `json:"id"`
	WalletID       string    `json:"wallet_id"`
	UserID         string    `json:"user_id"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	EstimatedCost  float64   `json:"estimated_cost"`
	ActualCost     float64   `json:"actual_cost"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Status         string    `json:"status"` // "reserved", "settled", "refunded", "expired"
	CreatedAt      time.Time `json:"created_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// ReservationStore manages cost reservations.
type ReservationStore struct {
	mu           sync.RWMutex
	reservations map[string]*Reservation
}

// NewReservationStore creates a new reservation store.
func NewReservationStore() *ReservationStore {
	return &ReservationStore{
		reservations: make(map[string]*Reservation),
	}
}

// Reserve creates a cost reservation before calling the provider.
func (rs *ReservationStore) Reserve(id, walletID, userID, provider, model string, estimatedCost float64, inputTokens int) *Reservation {
	r := &Reservation{
		ID:            id,
		WalletID:      walletID,
		UserID:        userID,
		Model:         model,
		Provider:      provider,
		EstimatedCost: estimatedCost,
		InputTokens:   inputTokens,
		Status:        "reserved",
		CreatedAt:     time.Now(),
	}

	rs.mu.Lock()
	rs.reservations[id] = r
	rs.mu.Unlock()

	return r
}

// Settle finalizes a reservation with actual usage.
func (rs *ReservationStore) Settle(id string, actualCost float64, outputTokens int) (*Reservation, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.Status != "reserved" {
		return nil, ErrReservationAlreadySettled
	}

	now := time.Now()
	r.ActualCost = actualCost
	r.OutputTokens = outputTokens
	r.Status = "settled"
	r.SettledAt = &now

	return r, nil
}

// Refund cancels a reservation (e.g., provider error).
func (rs *ReservationStore) Refund(id string) (*Reservation, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}

	now := time.Now()
	r.Status = "refunded"
	r.ActualCost = 0
	r.SettledAt = &now

	return r, nil
}

// Get returns a reservation by ID.
func (rs *ReservationStore) Get(id string) (*Reservation, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.reservations[id]
	return r, ok
}

// --- Sentinel Errors ---

type meteringError string

func (e meteringError) Error() string { return string(e) }

const (
	ErrReservationNotFound      = meteringError("reservation not found")
	ErrReservationAlreadySettled = meteringError("reservation already settled")
	ErrInsufficientBalance      = meteringError("insufficient wallet balance")
)
