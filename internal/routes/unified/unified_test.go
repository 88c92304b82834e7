package unified

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

func newTestHandler(t *testing.T, nerEntities, synthesisAnswer string) (*Handler, *graphstore.MemStore) {
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
		if strings.HasPrefix(req.System, "Extract every named entity") {
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"response": nerEntities}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"response": synthesisAnswer}))
	}))
	t.Cleanup(llmSrv.Close)

	store := graphstore.NewMemStore()
	embed := embedgw.New(embedSrv.URL, embedSrv.URL, testDims, ratelimit.NewRegistry(1000, 10), nil)
	llm := llmgw.New(llmSrv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	flags := config.NewFlagStore(0)

	return New(store, embed, llm, flags), store
}

func seedEntityWithMention(t *testing.T, store *graphstore.MemStore, groupID, entityID, canonical, chunkID, sentenceID, text string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutEntity(ctx, graphstore.Entity{
		ID: entityID, GroupID: groupID, Canonical: canonical, Embedding: []float32{1, 0, 0, 0},
	}))
	require.NoError(t, store.PutChunk(ctx, graphstore.TextChunk{ID: chunkID, GroupID: groupID, DocumentID: "doc-1"}))
	require.NoError(t, store.PutSentence(ctx, graphstore.Sentence{
		ID: sentenceID, GroupID: groupID, ChunkID: chunkID, ParagraphID: "para-1",
		SectionPath: "1.1", ParentParagraphText: text, Confidence: 0.95,
		EmbeddingV2: []float32{1, 0, 0, 0},
	}))
	require.NoError(t, store.LinkMentions(ctx, groupID, chunkID, entityID))
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, groupID)
	}
}

func TestExecuteFallsBackToSentenceEvidenceOnEmptySeedSet(t *testing.T) {
	h, store := newTestHandler(t, `{"entities":[]}`, "Fabrikam owes ACME [id:sent-1].")
	ctx := context.Background()

	// No entities at all, so T1/T2/T3 all come back empty and Resolve
	// returns apperr.ErrEmptySeedSet; AnchorExpand still finds the sentence.
	require.NoError(t, store.PutSentence(ctx, graphstore.Sentence{
		ID: "sent-1", GroupID: "group-1", ChunkID: "chunk-1", ParagraphID: "para-1",
		SectionPath: "1.1", ParentParagraphText: "Fabrikam owes ACME under the supply agreement.",
		Confidence: 0.95, EmbeddingV2: []float32{1, 0, 0, 0},
	}))
	for _, idx := range graphstore.VectorIndexNames {
		store.MarkIndexBuilt(idx, "group-1")
	}

	result, err := h.Execute(ctx, routes.Request{Query: "What does Fabrikam owe?", GroupID: "group-1"})
	require.NoError(t, err)
	require.Contains(t, result.AnswerText, "Fabrikam owes ACME")
	require.Contains(t, result.Thoughts[0], "falling back")
}

func TestExecuteMergesPPREvidenceWithSentenceEvidence(t *testing.T) {
	h, store := newTestHandler(t, `{"entities":["Fabrikam Inc."]}`, "Fabrikam owes ACME [id:sent-1].")
	ctx := context.Background()
	seedEntityWithMention(t, store, "group-1", "ent-1", "Fabrikam Inc.", "chunk-1", "sent-1", "Fabrikam owes ACME under the supply agreement.")

	result, err := h.Execute(ctx, routes.Request{Query: "What does Fabrikam owe?", GroupID: "group-1", WeightProfileName: "fact_extraction"})
	require.NoError(t, err)
	require.Contains(t, result.AnswerText, "Fabrikam owes ACME")
	require.NotEmpty(t, result.Evidence.Paragraphs)
}

func TestMergeDedupDropsDuplicateParagraphIDs(t *testing.T) {
	a := []routes.Paragraph{{ParagraphID: "p1", Score: 1}}
	b := []routes.Paragraph{{ParagraphID: "p1", Score: 5}, {ParagraphID: "p2", Score: 2}}
	merged := mergeDedup(a, b)
	require.Len(t, merged, 2)
	require.Equal(t, "p1", merged[0].ParagraphID)
}

func TestUnrecognisedWeightProfileFallsBackToDefault(t *testing.T) {
	h, store := newTestHandler(t, `{"entities":["Fabrikam Inc."]}`, "answer [id:sent-1].")
	ctx := context.Background()
	seedEntityWithMention(t, store, "group-1", "ent-1", "Fabrikam Inc.", "chunk-1", "sent-1", "text")

	result, err := h.Execute(ctx, routes.Request{Query: "q", GroupID: "group-1", WeightProfileName: "not-a-real-profile"})
	require.NoError(t, err)
	require.Contains(t, result.Thoughts[len(result.Thoughts)-1], "profile=fact_extraction")
}
