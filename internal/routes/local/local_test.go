package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/ratelimit"
	"github.com/skeinframe/graphrag/internal/routes"
)

const testDims = 4

func newTestHandler(t *testing.T, answer string) (*Handler, *graphstore.MemStore) {
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
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"response": answer}))
	}))
	t.Cleanup(llmSrv.Close)

	store := graphstore.NewMemStore()
	embed := embedgw.New(embedSrv.URL, embedSrv.URL, testDims, ratelimit.NewRegistry(1000, 10), nil)
	llm := llmgw.New(llmSrv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	flags := config.NewFlagStore(0)

	return New(store, embed, llm, flags), store
}

func seedSentence(t *testing.T, store *graphstore.MemStore, groupID, id, paragraphID, text string) {
	t.Helper()
	require.NoError(t, store.PutSentence(context.Background(), graphstore.Sentence{
		ID: id, GroupID: groupID, ChunkID: "chunk-1", ParagraphID: paragraphID,
		SectionPath: "1.1", ParentParagraphText: text, Confidence: 0.95,
		EmbeddingV2: []float32{1, 0, 0, 0},
	}))
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, groupID)
	}
}

func TestAnchorExpandCollapsesByParagraph(t *testing.T) {
	h, store := newTestHandler(t, "irrelevant")
	ctx := context.Background()
	seedSentence(t, store, "group-1", "sent-1", "para-1", "Fabrikam owes ACME under the supply agreement.")
	seedSentence(t, store, "group-1", "sent-2", "para-1", "The agreement runs through 2027.")

	paragraphs, err := h.AnchorExpand(ctx, "What does Fabrikam owe?", "group-1")
	require.NoError(t, err)
	require.Len(t, paragraphs, 1)
	require.ElementsMatch(t, []string{"sent-1", "sent-2"}, paragraphs[0].SentenceIDs)
}

func TestAnchorExpandReturnsNilWhenNoAnchors(t *testing.T) {
	h, store := newTestHandler(t, "irrelevant")
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, "group-empty")
	}
	paragraphs, err := h.AnchorExpand(context.Background(), "nothing indexed", "group-empty")
	require.NoError(t, err)
	require.Nil(t, paragraphs)
}

func TestExecuteSynthesisesFromAnchoredEvidence(t *testing.T) {
	h, store := newTestHandler(t, "Fabrikam owes ACME [id:sent-1].")
	ctx := context.Background()
	seedSentence(t, store, "group-1", "sent-1", "para-1", "Fabrikam owes ACME under the supply agreement.")

	result, err := h.Execute(ctx, routes.Request{Query: "What does Fabrikam owe?", GroupID: "group-1"})
	require.NoError(t, err)
	require.Contains(t, result.AnswerText, "Fabrikam owes ACME")
	require.Len(t, result.Citations, 1)
	require.Equal(t, "sent-1", result.Citations[0].SentenceID)
}

func TestExecuteReportsEmptyEvidenceWithoutSynthesis(t *testing.T) {
	h, store := newTestHandler(t, "should not be called")
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, "group-empty")
	}
	result, err := h.Execute(context.Background(), routes.Request{Query: "anything", GroupID: "group-empty"})
	require.NoError(t, err)
	require.Empty(t, result.AnswerText)
	require.NotEmpty(t, result.Thoughts)
}

func TestCostEstimateIsStable(t *testing.T) {
	h, _ := newTestHandler(t, "x")
	require.Equal(t, 3*time.Second, h.CostEstimate(routes.Request{}))
}
