// Package drift implements Route 4 — DRIFT Multi-hop (spec §4.6):
// query decomposition, per-subquery entity resolution cross-checked
// against the original query (mitigating the ~38% sub-question NER
// hallucination rate spec §4.6 documents), seed PPR, beam expansion, a
// confidence loop bounded at two decompositions, and a sentence-vector
// coverage-gap fill before synthesis.
package drift

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/routes/local"
	"github.com/skeinframe/graphrag/internal/seedresolver"
)

const (
	pprDamping           = 0.85
	pprTopK              = 20
	beamHops             = 2
	beamWidth            = 10
	maxDecompositions    = 2
	confidenceThreshold  = 0.5
	coverageGapTopN      = 10
)

const decomposeSystemPrompt = `Break the following question into 3 to 5 independent sub-questions whose answers together resolve it. Respond with JSON only: {"sub_questions": ["...", ...]}.`

const redecomposeSystemPrompt = `Your previous decomposition of this question produced low-confidence results. Break it into 3 to 5 sub-questions again, this time focusing on named entities and concrete cross-document comparisons. Respond with JSON only: {"sub_questions": ["...", ...]}.`

type decomposeResult struct {
	SubQuestions []string `json:"sub_questions"`
}

// Handler implements routes.Route for Route 4.
type Handler struct {
	store    graphstore.Store
	embed    *embedgw.Gateway
	llm      *llmgw.Client
	flags    *config.FlagStore
	resolver *seedresolver.Resolver
	local    *local.Handler
}

func New(store graphstore.Store, embed *embedgw.Gateway, llm *llmgw.Client, flags *config.FlagStore) *Handler {
	return &Handler{
		store:    store,
		embed:    embed,
		llm:      llm,
		flags:    flags,
		resolver: seedresolver.New(store, embed, llm),
		local:    local.New(store, embed, llm, flags),
	}
}

func (h *Handler) Name() string { return "route_4" }

func (h *Handler) ClassifyApplicable(req routes.Request) bool {
	return len(req.Query) >= 3
}

func (h *Handler) CostEstimate(routes.Request) time.Duration { return 25 * time.Second }

func (h *Handler) Execute(ctx context.Context, req routes.Request) (routes.Result, error) {
	originalEntities, err := h.resolver.ResolveEntitiesOnly(ctx, req.Query, req.GroupID)
	if err != nil {
		return routes.Result{}, fmt.Errorf("resolve original query entities: %w", err)
	}

	var thoughts []string
	var paths []graphstore.Path
	var union map[string]float64
	guidance := ""

	for attempt := 1; attempt <= maxDecompositions; attempt++ {
		subQuestions, err := h.decompose(ctx, req.Query, guidance)
		if err != nil {
			return routes.Result{}, fmt.Errorf("decompose (attempt %d): %w", attempt, err)
		}

		union, err = h.unionSubqueryEntities(ctx, req.GroupID, subQuestions, originalEntities)
		if err != nil {
			return routes.Result{}, fmt.Errorf("resolve sub-question entities: %w", err)
		}
		if len(union) == 0 {
			thoughts = append(thoughts, fmt.Sprintf("attempt %d: no entities resolved from %d sub-questions", attempt, len(subQuestions)))
			continue
		}

		ppr, err := h.store.PPR(ctx, equalWeights(union), pprDamping, pprTopK, req.GroupID)
		if err != nil {
			return routes.Result{}, fmt.Errorf("seed ppr: %w", err)
		}

		startEntities := make([]string, 0, len(ppr))
		for _, n := range ppr {
			startEntities = append(startEntities, n.NodeID)
		}

		paths, err = h.store.SemanticBeam(ctx, startEntities, beamHops, beamWidth, []graphstore.EdgeType{graphstore.EdgeSemanticSimilar}, req.GroupID)
		if err != nil {
			return routes.Result{}, fmt.Errorf("beam expand: %w", err)
		}

		confidence := computeConfidence(paths, len(union))
		thoughts = append(thoughts, fmt.Sprintf("attempt %d: %d entities, %d paths, confidence %.2f", attempt, len(union), len(paths), confidence))
		if confidence >= confidenceThreshold || attempt == maxDecompositions {
			break
		}
		guidance = "previous attempt scored low confidence"
	}

	chunkIDs := chunksFromPaths(paths)
	paragraphs, err := h.chunksToParagraphs(ctx, req.GroupID, chunkIDs, paths)
	if err != nil {
		return routes.Result{}, fmt.Errorf("assemble chunk evidence: %w", err)
	}

	gapFill, err := h.local.AnchorExpand(ctx, req.Query, req.GroupID)
	if err != nil {
		return routes.Result{}, fmt.Errorf("coverage gap fill: %w", err)
	}
	if len(gapFill) > coverageGapTopN {
		gapFill = gapFill[:coverageGapTopN]
	}
	paragraphs = mergeParagraphs(paragraphs, gapFill)

	if len(paragraphs) == 0 {
		thoughts = append(thoughts, "no chunk or sentence evidence survived beam expansion and coverage fill")
		return routes.Result{Thoughts: thoughts}, nil
	}

	answer, citations, err := routes.Synthesise(ctx, h.llm, req.Query, paragraphs, nil)
	if err != nil {
		return routes.Result{}, err
	}

	return routes.Result{
		AnswerText: answer,
		Citations:  citations,
		Thoughts:   thoughts,
		Confidence: computeConfidence(paths, len(union)),
		Evidence:   routes.Evidence{Paragraphs: paragraphs},
	}, nil
}

func (h *Handler) decompose(ctx context.Context, query, guidance string) ([]string, error) {
	system := decomposeSystemPrompt
	prompt := query
	if guidance != "" {
		system = redecomposeSystemPrompt
		prompt = fmt.Sprintf("%s\n\nGuidance: %s", query, guidance)
	}
	var result decomposeResult
	if err := h.llm.CompleteJSON(ctx, system, prompt, &result); err != nil {
		return nil, err
	}
	return result.SubQuestions, nil
}

// unionSubqueryEntities resolves each sub-question's entities and discards
// any entity not also resolvable from the original query, mitigating the
// sub-question NER hallucination pathology (spec §4.6).
func (h *Handler) unionSubqueryEntities(ctx context.Context, groupID string, subQuestions []string, original map[string]float64) (map[string]float64, error) {
	union := map[string]float64{}
	for _, sq := range subQuestions {
		resolved, err := h.resolver.ResolveEntitiesOnly(ctx, sq, groupID)
		if err != nil {
			return nil, err
		}
		for id := range resolved {
			if len(original) == 0 || original[id] > 0 {
				union[id] = 1
			}
		}
	}
	for id := range original {
		union[id] = 1
	}
	return union, nil
}

func equalWeights(ids map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(ids))
	share := 1.0 / float64(len(ids))
	for id := range ids {
		out[id] = share
	}
	return out
}

// computeConfidence is entity-coverage × avg-path-score (spec §4.6 stage 5).
func computeConfidence(paths []graphstore.Path, seedCount int) float64 {
	if seedCount == 0 || len(paths) == 0 {
		return 0
	}
	covered := map[string]bool{}
	totalScore := 0.0
	for _, p := range paths {
		for _, n := range p.Nodes {
			covered[n] = true
		}
		totalScore += p.Score
	}
	coverage := float64(len(covered)) / float64(seedCount)
	if coverage > 1 {
		coverage = 1
	}
	return coverage * (totalScore / float64(len(paths)))
}

func chunksFromPaths(paths []graphstore.Path) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		for _, n := range p.Nodes {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

func (h *Handler) chunksToParagraphs(ctx context.Context, groupID string, entityIDs []string, paths []graphstore.Path) ([]routes.Paragraph, error) {
	pathScore := map[string]float64{}
	for _, p := range paths {
		for _, n := range p.Nodes {
			if p.Score > pathScore[n] {
				pathScore[n] = p.Score
			}
		}
	}

	seenChunks := map[string]bool{}
	var out []routes.Paragraph
	for _, eid := range entityIDs {
		chunkIDs, err := h.store.ChunksMentioningEntity(ctx, groupID, eid)
		if err != nil {
			continue
		}
		for _, cid := range chunkIDs {
			if seenChunks[cid] {
				continue
			}
			seenChunks[cid] = true
			sentences, err := h.store.SentencesInChunk(ctx, groupID, cid)
			if err != nil || len(sentences) == 0 {
				continue
			}
			var text strings.Builder
			ids := make([]string, 0, len(sentences))
			for _, s := range sentences {
				text.WriteString(s.ParentParagraphText)
				text.WriteString(" ")
				ids = append(ids, s.ID)
			}
			out = append(out, routes.Paragraph{
				ParagraphID: cid,
				SectionPath: sentences[0].SectionPath,
				Text:        strings.TrimSpace(text.String()),
				SentenceIDs: ids,
				Score:       pathScore[eid],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func mergeParagraphs(a, b []routes.Paragraph) []routes.Paragraph {
	seen := map[string]bool{}
	out := make([]routes.Paragraph, 0, len(a)+len(b))
	for _, p := range append(append([]routes.Paragraph{}, a...), b...) {
		if seen[p.ParagraphID] {
			continue
		}
		seen[p.ParagraphID] = true
		out = append(out, p)
	}
	return out
}
