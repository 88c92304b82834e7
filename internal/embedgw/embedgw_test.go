package embedgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/ratelimit"
)

func TestLabelFormat(t *testing.T) {
	got := Label("Master Services Agreement", "Terms > Payment", "Payment is due net 30.")
	require.Equal(t, "[Document: Master Services Agreement | Section: Terms > Payment] Payment is due net 30.", got)
}

func TestEmbedContextualWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vectors := make([][]float32, len(req.Units))
		for i := range vectors {
			vectors[i] = make([]float32, req.Dimensions)
		}
		require.NoError(t, json.NewEncoder(w).Encode(embedResponse{Vectors: vectors}))
	}))
	defer srv.Close()

	gw := New(srv.URL, srv.URL, 8, ratelimit.NewRegistry(1000, 10), nil)
	vectors, err := gw.EmbedContextual(context.Background(), "doc-1", []string{"unit a", "unit b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	require.Len(t, vectors[0], 8)
}

func TestEmbedContextualRejectsEmptyBatch(t *testing.T) {
	gw := New("http://unused", "http://unused", 8, ratelimit.NewRegistry(1000, 10), nil)
	_, err := gw.EmbedContextual(context.Background(), "doc-1", nil)
	require.Error(t, err)
}

func TestEmbedContextualDimensionMismatchIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(embedResponse{Vectors: [][]float32{{1, 2, 3}}}))
	}))
	defer srv.Close()

	gw := New(srv.URL, srv.URL, 8, ratelimit.NewRegistry(1000, 10), nil)
	gw.maxTries = 1
	_, err := gw.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)
}

func TestRerankReturnsScoredPassages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		scored := make([]ScoredPassage, len(req.Passages))
		for i, p := range req.Passages {
			scored[i] = ScoredPassage{ID: p.ID, Score: float64(len(p.Text))}
		}
		require.NoError(t, json.NewEncoder(w).Encode(rerankResponse{Scored: scored}))
	}))
	defer srv.Close()

	gw := New(srv.URL, srv.URL, 8, ratelimit.NewRegistry(1000, 10), nil)
	out, err := gw.Rerank(context.Background(), "q", []ScoredPassage{{ID: "p1"}}, map[string]string{"p1": "hello world"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "p1", out[0].ID)
}
