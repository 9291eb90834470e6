// Package fingerprint normalizes chat and completion requests into a
// canonical text form and derives the deterministic-cache key and the
// semantic-cache embedding input from it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ─── Normalization ──────────────────────────────────────────

var fillerPhrases = []string{
	"please", "kindly", "could you", "can you", "would you",
	"tell me", "i want to know", "i need to know", "i would like to know",
	"just",
}

var fillerRegexes = buildFillerRegexes(fillerPhrases)

func buildFillerRegexes(phrases []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(phrases))
	for _, p := range phrases {
		pattern := `\b` + regexp.QuoteMeta(p) + `\b`
		out = append(out, regexp.MustCompile(pattern))
	}
	return out
}

var questionOpeners = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bwhat's\b`), "what is"},
	{regexp.MustCompile(`\bwhats\b`), "what is"},
	{regexp.MustCompile(`\bhow do i\b`), "how to"},
	{regexp.MustCompile(`\bhow can i\b`), "how to"},
	{regexp.MustCompile(`\bhow would i\b`), "how to"},
	{regexp.MustCompile(`\bwhere can i\b`), "where to"},
	{regexp.MustCompile(`\bwhere do i\b`), "where to"},
}

var operatorRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\b(times|multiplied by|multiply by)\b`), "×"},
	{regexp.MustCompile(`(?:\bx\b|\*)\s*(\d)`), "× $1"},
	{regexp.MustCompile(`\b(divided by|divide by)\b`), "÷"},
	{regexp.MustCompile(`/\s*(\d)`), "÷ $1"},
	{regexp.MustCompile(`\b(plus|add to)\b`), "+"},
	{regexp.MustCompile(`\b(minus|subtract from)\b`), "−"},
	{regexp.MustCompile(`-\s*(\d)`), "− $1"},
}

var (
	punctuationRuns = regexp.MustCompile(`\?+|!+|\.+`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// Normalize applies the ordered rewrite pipeline to a single message's
// textual content. Role markers are never passed through Normalize —
// callers prepend them verbatim after normalizing the content.
func Normalize(text string) string {
	s := strings.ToLower(text)

	for _, re := range fillerRegexes {
		s = re.ReplaceAllString(s, "")
	}
	for _, r := range questionOpeners {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	for _, r := range operatorRewrites {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	s = punctuationRuns.ReplaceAllStringFunc(s, func(run string) string { return run[:1] })
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return s
}

// ─── Request view ───────────────────────────────────────────

// Message is the minimal chat-message shape fingerprinting needs.
type Message struct {
	Role    string
	Content string
}

// Request is the subset of a chat/completion request that participates
// in fingerprinting and embedding-input construction.
type Request struct {
	Model    string
	Messages []Message // chat; for completions, wrap each prompt as a "user" message

	Temperature    *float64
	Seed           *int64
	Stop           interface{}
	ResponseFormat interface{}
	Functions      interface{}
	ToolChoice     interface{}
	Tools          interface{}
}

// NormalizedTranscript joins role-prefixed, normalized message content in
// order. Role markers are preserved verbatim as structural separators.
func NormalizedTranscript(req Request) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Role+":"+Normalize(m.Content))
	}
	return strings.Join(parts, "\n")
}

// EmbeddingInput returns the string sent to the embeddings provider for
// semantic-cache indexing: the normalized transcript alone, since the
// embedding should reflect content similarity, not the exact-match
// parameters that fingerprint() additionally folds in.
func EmbeddingInput(req Request) string {
	return NormalizedTranscript(req)
}

// ─── Fingerprint ────────────────────────────────────────────

// Fingerprint computes the deterministic-cache key: a fixed-length hex
// digest over the tenant, model, normalized transcript, and the
// non-textual parameters that must match exactly for a cache hit.
func Fingerprint(req Request, tenant string) string {
	h := sha256.New()

	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(req.Model)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizedTranscript(req)))
	h.Write([]byte{0})

	temp := 1.0
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	h.Write([]byte(strconv.FormatFloat(temp, 'f', 2, 64)))
	h.Write([]byte{0})

	h.Write(canonicalJSON(req.Seed))
	h.Write(canonicalJSON(req.Stop))
	h.Write(canonicalJSON(req.ResponseFormat))
	h.Write(canonicalJSON(req.Functions))
	h.Write(canonicalJSON(req.Tools))
	h.Write(canonicalJSON(req.ToolChoice))

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON marshals v with map keys sorted, so that two logically
// identical structures (possibly decoded from different field orders)
// hash identically. encoding/json already sorts map[string]interface{}
// keys; this helper exists to make that guarantee explicit at call sites.
func canonicalJSON(v interface{}) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(sortedValue(v))
	if err != nil {
		return []byte("null")
	}
	return b
}

// sortedValue recursively normalizes maps into sorted key order so the
// marshaled form is stable regardless of original decode order.
func sortedValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]interface{}, len(t))
		for _, k := range keys {
			ordered[k] = sortedValue(t[k])
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}

// ContextHash computes the short digest that gates semantic-cache
// eligibility: it must match exactly for a semantic hit to be legal.
func ContextHash(req Request, systemMessage string) string {
	h := sha256.New()
	h.Write(canonicalJSON(req.Tools))
	h.Write(canonicalJSON(req.ToolChoice))
	h.Write(canonicalJSON(req.ResponseFormat))
	h.Write(canonicalJSON(req.Seed))
	h.Write([]byte(systemMessage))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16]
}

// BucketKey is the semantic-cache partition key: "model:context-hash".
func BucketKey(model, contextHash string) string {
	return strings.ToLower(model) + ":" + contextHash
}
