// Package embedgw wraps the two external embedding services named in spec
// §4.1: a contextualised document embedder and a cross-encoder reranker.
// Both are treated as black-box callable services (spec §1, "consumed as
// black-box callable services") reached over HTTP+JSON, following the
// teacher's own client idiom (go-enhanced-rag-service/embedding_service.go:
// http.Client, json.Marshal/Decode, retry with exponential backoff) rather
// than generated RPC stubs, since no .proto/generated code exists anywhere
// in the example pack to ground real gRPC calls on.
package embedgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/ratelimit"
)

const (
	providerEmbed  = "contextual-embedder"
	providerRerank = "cross-encoder-rerank"
)

// Gateway is the Embedding Gateway component (spec §4.1).
type Gateway struct {
	embedURL  string
	rerankURL string
	dims      int

	client  *http.Client
	limits  *ratelimit.Registry
	cache   *redis.Client
	maxTries int
}

// New builds a Gateway. cache may be nil, in which case embeddings are never
// memoised (acceptable for tests; the production wiring always supplies a
// Redis client).
func New(embedURL, rerankURL string, dims int, limits *ratelimit.Registry, cache *redis.Client) *Gateway {
	return &Gateway{
		embedURL:  embedURL,
		rerankURL: rerankURL,
		dims:      dims,
		client:    &http.Client{Timeout: 30 * time.Second},
		limits:    limits,
		cache:     cache,
		maxTries:  3,
	}
}

// Label wraps raw unit text with the deterministic structural label baked
// into the embedding: "[Document: <title> | Section: <path>] <raw_text>"
// (spec §4.1). The raw text is what callers store; the labeled string is
// only ever passed to EmbedContextual.
func Label(documentTitle, sectionPath, rawText string) string {
	return fmt.Sprintf("[Document: %s | Section: %s] %s", documentTitle, sectionPath, rawText)
}

type embedRequest struct {
	DocContext string   `json:"doc_context"`
	Units      []string `json:"units"`
	Dimensions int      `json:"dimensions"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// EmbedContextual returns one 2048-dim vector per unit, computed with
// awareness of docContext. units should already be wrapped by Label where a
// structural label applies. Idempotent per (docContext, unit) — results for
// previously-seen pairs are served from cache (spec §4.1).
func (g *Gateway) EmbedContextual(ctx context.Context, docContext string, units []string) ([][]float32, error) {
	if len(units) == 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "embed_contextual", "empty unit batch", apperr.ErrInvalidRequest)
	}

	out := make([][]float32, len(units))
	misses := make([]int, 0, len(units))
	missUnits := make([]string, 0, len(units))

	for i, u := range units {
		if g.cache == nil {
			misses = append(misses, i)
			missUnits = append(missUnits, u)
			continue
		}
		if v, ok := g.cacheGet(ctx, docContext, u); ok {
			out[i] = v
			continue
		}
		misses = append(misses, i)
		missUnits = append(missUnits, u)
	}

	if len(missUnits) > 0 {
		vectors, err := g.callEmbed(ctx, docContext, missUnits)
		if err != nil {
			return nil, err
		}
		for k, idx := range misses {
			out[idx] = vectors[k]
			if g.cache != nil {
				g.cacheSet(ctx, docContext, missUnits[k], vectors[k])
			}
		}
	}
	return out, nil
}

// EmbedQuery embeds a single query string with no document context (spec
// §4.1, "single-unit embedding for query-time retrieval").
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.callEmbed(ctx, "", []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.New(apperr.KindProviderError, "embed_query", "empty response", apperr.ErrProviderError)
	}
	return vectors[0], nil
}

func (g *Gateway) callEmbed(ctx context.Context, docContext string, units []string) ([][]float32, error) {
	if err := g.limits.Wait(ctx, providerEmbed); err != nil {
		return nil, apperr.New(apperr.KindRateLimited, "embed", "", fmt.Errorf("%w: %v", apperr.ErrRateLimited, err))
	}

	req := embedRequest{DocContext: docContext, Units: units, Dimensions: g.dims}
	var resp embedResponse
	if err := g.postJSONWithRetry(ctx, g.embedURL+"/embed", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(units) {
		return nil, apperr.New(apperr.KindProviderError, "embed", "vector count mismatch", apperr.ErrProviderError)
	}
	for _, v := range resp.Vectors {
		if len(v) != g.dims {
			return nil, apperr.New(apperr.KindProviderError, "embed", "dimension mismatch", apperr.ErrProviderError)
		}
	}
	return resp.Vectors, nil
}

type rerankRequest struct {
	Query    string         `json:"query"`
	Passages []rerankInput  `json:"passages"`
}

type rerankInput struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankResponse struct {
	Scored []ScoredPassage `json:"scored"`
}

// ScoredPassage is one (id, score) result of Rerank.
type ScoredPassage struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Rerank scores passages jointly with query using the cross-encoder (spec
// §4.1). Used only in Stage 2 retrieval, never in synthesis.
func (g *Gateway) Rerank(ctx context.Context, query string, passages []ScoredPassage, texts map[string]string) ([]ScoredPassage, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	if err := g.limits.Wait(ctx, providerRerank); err != nil {
		return nil, apperr.New(apperr.KindRateLimited, "rerank", "", fmt.Errorf("%w: %v", apperr.ErrRateLimited, err))
	}

	inputs := make([]rerankInput, 0, len(passages))
	for _, p := range passages {
		inputs = append(inputs, rerankInput{ID: p.ID, Text: texts[p.ID]})
	}

	var resp rerankResponse
	if err := g.postJSONWithRetry(ctx, g.rerankURL+"/rerank", rerankRequest{Query: query, Passages: inputs}, &resp); err != nil {
		return nil, err
	}
	return resp.Scored, nil
}

func (g *Gateway) postJSONWithRetry(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < g.maxTries; attempt++ {
		if err := g.postJSON(ctx, url, payload, out); err != nil {
			lastErr = err
			if attempt < g.maxTries-1 {
				delay := time.Duration(1<<attempt) * 200 * time.Millisecond
				select {
				case <-ctx.Done():
					return apperr.New(apperr.KindCancelled, "embedgw", "", fmt.Errorf("%w: %v", apperr.ErrCancelled, ctx.Err()))
				case <-time.After(delay):
					continue
				}
			}
			continue
		}
		return nil
	}
	return apperr.New(apperr.KindProviderError, "embedgw", url, fmt.Errorf("%w: %v", apperr.ErrProviderError, lastErr))
}

func (g *Gateway) postJSON(ctx context.Context, url string, payload []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("provider status %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func cacheKey(docContext, unit string) string {
	return "embed:v2:" + docContext + ":" + strings.TrimSpace(unit)
}

func (g *Gateway) cacheGet(ctx context.Context, docContext, unit string) ([]float32, bool) {
	raw, err := g.cache.Get(ctx, cacheKey(docContext, unit)).Bytes()
	if err != nil {
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (g *Gateway) cacheSet(ctx context.Context, docContext, unit string, v []float32) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	g.cache.Set(ctx, cacheKey(docContext, unit), raw, 30*24*time.Hour)
}
