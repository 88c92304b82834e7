package seedresolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/ratelimit"
)

const testDims = 4

type fakeCompletionResponse struct {
	Response string `json:"response"`
}

func newTestResolver(t *testing.T, nerEntities string) (*Resolver, *graphstore.MemStore) {
	t.Helper()

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Units      []string `json:"units"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Units))
		for i := range vectors {
			v := make([]float32, req.Dimensions)
			v[0] = 1
			vectors[i] = v
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"vectors": vectors}))
	}))
	t.Cleanup(embedSrv.Close)

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
			System string `json:"system"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if strings.HasPrefix(req.System, "Extract every named entity") {
			require.NoError(t, json.NewEncoder(w).Encode(fakeCompletionResponse{Response: nerEntities}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(fakeCompletionResponse{Response: "{}"}))
	}))
	t.Cleanup(llmSrv.Close)

	store := graphstore.NewMemStore()
	embed := embedgw.New(embedSrv.URL, embedSrv.URL, testDims, ratelimit.NewRegistry(1000, 10), nil)
	llm := llmgw.New(llmSrv.URL, "test-model", ratelimit.NewRegistry(1000, 10))

	return New(store, embed, llm), store
}

func seedEntity(t *testing.T, store *graphstore.MemStore, groupID, id, canonical string) {
	t.Helper()
	require.NoError(t, store.PutEntity(context.Background(), graphstore.Entity{
		ID: id, GroupID: groupID, Canonical: canonical, Embedding: []float32{1, 0, 0, 0},
	}))
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, groupID)
	}
}

func TestResolveWithExactEntityMatchProducesSeeds(t *testing.T) {
	r, store := newTestResolver(t, `{"entities":["Fabrikam Inc."]}`)
	ctx := context.Background()
	seedEntity(t, store, "group-1", "ent-1", "Fabrikam Inc.")

	result, err := r.Resolve(ctx, "What does Fabrikam Inc. owe?", "group-1", Profiles["fact_extraction"])
	require.NoError(t, err)
	require.Contains(t, result.SeedWeights, "ent-1")
	require.InDelta(t, 1.0, sumWeights(result.SeedWeights), 1e-9)
}

func TestResolveEmptySeedSetWhenNothingMatches(t *testing.T) {
	r, store := newTestResolver(t, `{"entities":[]}`)
	ctx := context.Background()
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, "group-empty")
	}

	_, err := r.Resolve(ctx, "Unrelated question", "group-empty", Profiles["fact_extraction"])
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.ErrEmptySeedSet)
}

func TestResolveRedistributesWeightWhenT2Empty(t *testing.T) {
	r, store := newTestResolver(t, `{"entities":["Fabrikam Inc."]}`)
	ctx := context.Background()
	seedEntity(t, store, "group-1", "ent-1", "Fabrikam Inc.")

	profile := WeightProfile{Name: "test", W1: 0.5, W2: 0.3, W3: 0.2}
	result, err := r.Resolve(ctx, "Fabrikam Inc.", "group-1", profile)
	require.NoError(t, err)
	require.Equal(t, 0.70+0.20*0.5, result.Damping)
}

func sumWeights(w map[string]float64) float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}
