package indexing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/ratelimit"
)

// fakeCompletionResponse mirrors llmgw's wire shape without importing its
// unexported types.
type fakeCompletionResponse struct {
	Response string `json:"response"`
}

func newTestPipeline(t *testing.T) (*Pipeline, *graphstore.MemStore) {
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
			v[0] = float32(i + 1)
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
		if strings.HasPrefix(req.System, "Extract") {
			require.NoError(t, json.NewEncoder(w).Encode(fakeCompletionResponse{Response: `{"entities":["Fabrikam Inc."]}`}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(fakeCompletionResponse{Response: "A summary of the community."}))
	}))
	t.Cleanup(llmSrv.Close)

	store := graphstore.NewMemStore()
	embed := embedgw.New(embedSrv.URL, embedSrv.URL, 4, ratelimit.NewRegistry(1000, 10), nil)
	llm := llmgw.New(llmSrv.URL, "test-model", ratelimit.NewRegistry(1000, 10))
	flags := config.NewFlagStore(0)
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	return New(store, embed, llm, flags, log.WithField("test", true)), store
}

func oneDocCorpus() []ParsedDocument {
	return []ParsedDocument{
		{
			ID: "doc-1", Title: "Master Services Agreement", GroupID: "group-1", PageCount: 3,
			Sections: []ParsedSection{
				{
					ID: "sec-1", Title: "Payment Terms",
					Chunks: []ParsedChunk{
						{
							ID: "chunk-1", Text: "Payment is due net 30 to Fabrikam Inc.",
							Sentences: []ParsedSentence{
								{ID: "sent-1", ParagraphID: "para-1", Page: 1, Confidence: 0.95, CharOffset: 0, CharLength: 20, Source: graphstore.SourceParagraph, Text: "Payment is due net 30."},
								{ID: "sent-2", ParagraphID: "para-1", Page: 1, Confidence: 0.9, CharOffset: 21, CharLength: 20, Source: graphstore.SourceParagraph, Text: "Payable to Fabrikam Inc."},
							},
						},
					},
				},
			},
		},
	}
}

func TestPipelineRunReachesReady(t *testing.T) {
	p, store := newTestPipeline(t)
	err := p.Run(context.Background(), "group-1", oneDocCorpus())
	require.NoError(t, err)

	state, err := store.GetIndexState(context.Background(), "group-1")
	require.NoError(t, err)
	require.Equal(t, graphstore.StateReady, state)
}

func TestPipelineRunIsIdempotent(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Run(ctx, "group-1", oneDocCorpus()))

	before, err := store.CountSentences(ctx, "group-1")
	require.NoError(t, err)

	require.NoError(t, store.SetIndexState(ctx, "group-1", graphstore.StateIngested))
	require.NoError(t, p.Run(ctx, "group-1", oneDocCorpus()))

	after, err := store.CountSentences(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestPipelineEmbedsSentencesToConfiguredDimension(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Run(ctx, "group-1", oneDocCorpus()))

	s, err := store.GetSentence(ctx, "group-1", "sent-1")
	require.NoError(t, err)
	require.Len(t, s.EmbeddingV2, 4)
}

func TestFlattenSectionsBuildsMaterialisedAncestorPath(t *testing.T) {
	sections := []ParsedSection{
		{ID: "sec-terms", Title: "Terms"},
		{ID: "sec-payment", Title: "Payment", ParentID: "sec-terms"},
		{ID: "sec-schedule", Title: "Schedule", ParentID: "sec-payment"},
	}

	flat := flattenSections(sections)
	require.Len(t, flat, 3)

	byID := make(map[string]flatSection, len(flat))
	for _, s := range flat {
		byID[s.ID] = s
	}

	require.Equal(t, "Terms", byID["sec-terms"].pathKey)
	require.Equal(t, "Terms > Payment", byID["sec-payment"].pathKey)
	require.Equal(t, "Terms > Payment > Schedule", byID["sec-schedule"].pathKey)
}

func TestFlattenSectionsToleratesDanglingAndCyclicParents(t *testing.T) {
	sections := []ParsedSection{
		{ID: "sec-orphan", Title: "Orphan", ParentID: "does-not-exist"},
		{ID: "sec-a", Title: "A", ParentID: "sec-b"},
		{ID: "sec-b", Title: "B", ParentID: "sec-a"},
	}

	flat := flattenSections(sections)
	byID := make(map[string]flatSection, len(flat))
	for _, s := range flat {
		byID[s.ID] = s
	}

	require.Equal(t, "Orphan", byID["sec-orphan"].pathKey)
	require.Equal(t, "A > B", byID["sec-a"].pathKey)
	require.Equal(t, "B > A", byID["sec-b"].pathKey)
}

// nestedDocCorpus exercises the pipeline end to end with a three-level
// section chain, unlike oneDocCorpus's single flat section.
func nestedDocCorpus() []ParsedDocument {
	return []ParsedDocument{
		{
			ID: "doc-2", Title: "Master Services Agreement", GroupID: "group-1", PageCount: 1,
			Sections: []ParsedSection{
				{ID: "sec-terms", Title: "Terms"},
				{ID: "sec-payment", Title: "Payment", ParentID: "sec-terms"},
				{
					ID: "sec-schedule", Title: "Schedule", ParentID: "sec-payment",
					Chunks: []ParsedChunk{
						{
							ID: "chunk-nested", Text: "Invoices are issued monthly.",
							Sentences: []ParsedSentence{
								{ID: "sent-nested", ParagraphID: "para-nested", Page: 1, Confidence: 0.9, CharOffset: 0, CharLength: 28, Source: graphstore.SourceParagraph, Text: "Invoices are issued monthly."},
							},
						},
					},
				},
			},
		},
	}
}

func TestPipelineRunPersistsNestedSectionPathKey(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Run(ctx, "group-1", nestedDocCorpus()))

	s, err := store.GetSentence(ctx, "group-1", "sent-nested")
	require.NoError(t, err)
	require.Equal(t, "Terms > Payment > Schedule", s.SectionPath)
}
