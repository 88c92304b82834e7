package drift

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/ratelimit"
	"github.com/skeinframe/graphrag/internal/routes"
)

const testDims = 4

// newTestHandler wires a Handler whose LLM stub answers NER, decomposition,
// and synthesis calls differently based on the system prompt each uses.
func newTestHandler(t *testing.T, nerEntities, subQuestionsJSON, synthesisAnswer string) (*Handler, *graphstore.MemStore) {
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
			System string `json:"system"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch {
		case req.System == decomposeSystemPrompt || req.System == redecomposeSystemPrompt:
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"response": subQuestionsJSON}))
		case strings.HasPrefix(req.System, "Extract every named entity"):
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"response": nerEntities}))
		default:
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"response": synthesisAnswer}))
		}
	}))
	t.Cleanup(llmSrv.Close)

	store := graphstore.NewMemStore()
	embed := embedgw.New(embedSrv.URL, embedSrv.URL, testDims, ratelimit.NewRegistry(1000, 10), nil)
	llm := llmgw.New(llmSrv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	flags := config.NewFlagStore(0)

	return New(store, embed, llm, flags), store
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

func TestComputeConfidenceIsCoverageTimesAveragePathScore(t *testing.T) {
	paths := []graphstore.Path{
		{Nodes: []string{"a", "b"}, Score: 0.8},
		{Nodes: []string{"a", "c"}, Score: 0.4},
	}
	// covered = {a,b,c} = 3, seedCount = 3 -> coverage 1.0, avg score 0.6
	require.InDelta(t, 0.6, computeConfidence(paths, 3), 1e-9)
}

func TestComputeConfidenceZeroWithNoPathsOrSeeds(t *testing.T) {
	require.Equal(t, 0.0, computeConfidence(nil, 5))
	require.Equal(t, 0.0, computeConfidence([]graphstore.Path{{Nodes: []string{"a"}, Score: 1}}, 0))
}

func TestEqualWeightsSplitsEvenly(t *testing.T) {
	w := equalWeights(map[string]float64{"a": 1, "b": 1})
	require.InDelta(t, 0.5, w["a"], 1e-9)
	require.InDelta(t, 0.5, w["b"], 1e-9)
}

func TestMergeParagraphsDedupesByParagraphID(t *testing.T) {
	a := []routes.Paragraph{{ParagraphID: "p1", Score: 1}}
	b := []routes.Paragraph{{ParagraphID: "p1", Score: 2}, {ParagraphID: "p2", Score: 3}}
	merged := mergeParagraphs(a, b)
	require.Len(t, merged, 2)
}

func TestUnionSubqueryEntitiesDiscardsEntitiesNotInOriginal(t *testing.T) {
	h, store := newTestHandler(t, `{"entities":["Fabrikam Inc.","ACME Corp"]}`, "", "")
	ctx := context.Background()
	seedEntity(t, store, "group-1", "ent-1", "Fabrikam Inc.")
	seedEntity(t, store, "group-1", "ent-2", "ACME Corp")

	union, err := h.unionSubqueryEntities(ctx, "group-1", []string{"Who does Fabrikam owe ACME?"}, map[string]float64{"ent-1": 1})
	require.NoError(t, err)
	require.Contains(t, union, "ent-1")
	require.NotContains(t, union, "ent-2")
}

func TestUnionSubqueryEntitiesEmptyOriginalAcceptsAnyResolved(t *testing.T) {
	h, store := newTestHandler(t, `{"entities":["Fabrikam Inc."]}`, "", "")
	ctx := context.Background()
	seedEntity(t, store, "group-1", "ent-1", "Fabrikam Inc.")

	union, err := h.unionSubqueryEntities(ctx, "group-1", []string{"Who does Fabrikam owe?"}, map[string]float64{})
	require.NoError(t, err)
	require.Contains(t, union, "ent-1")
}

func TestExecuteReportsNoEvidenceWhenNothingResolves(t *testing.T) {
	h, store := newTestHandler(t, `{"entities":[]}`, `{"sub_questions":["irrelevant"]}`, "should not be called")
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, "group-empty")
	}
	result, err := h.Execute(context.Background(), routes.Request{Query: "anything", GroupID: "group-empty"})
	require.NoError(t, err)
	require.Empty(t, result.AnswerText)
	require.NotEmpty(t, result.Thoughts)
}
