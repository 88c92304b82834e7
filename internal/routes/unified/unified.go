// Package unified implements Route 5 — the target-state Unified
// Weighted-PPR route (spec §4.7): a single Seed Resolver call feeding a
// single PPR pass, merged with Route 2's sentence evidence as a
// seed-independent insurance policy, an optional cross-encoder rerank, and
// one synthesis call. Intended to absorb Routes 3 and 4 once trusted.
package unified

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/routes/local"
	"github.com/skeinframe/graphrag/internal/seedresolver"
)

const (
	pprTopK           = 50
	rerankTopN        = 20
	defaultProfileKey = "fact_extraction"
)

// Handler implements routes.Route for Route 5.
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

func (h *Handler) Name() string { return "route_5" }

func (h *Handler) ClassifyApplicable(req routes.Request) bool {
	return len(req.Query) >= 3
}

func (h *Handler) CostEstimate(routes.Request) time.Duration { return 10 * time.Second }

func (h *Handler) Execute(ctx context.Context, req routes.Request) (routes.Result, error) {
	profile, ok := seedresolver.Profiles[req.WeightProfileName]
	if !ok {
		profile = seedresolver.Profiles[defaultProfileKey]
	}

	var seedResult seedresolver.Result
	var pprNodes []graphstore.ScoredNode
	var sentenceParagraphs []routes.Paragraph
	var thoughts []string

	// The two branches run on independent error groups: a seed-resolution
	// failure must never cancel the sentence-vector branch, since that
	// branch is the seed-independent insurance policy precisely for the
	// case where seeding fails.
	seedGroup, sgctx := errgroup.WithContext(ctx)
	seedGroup.Go(func() error {
		var err error
		seedResult, err = h.resolver.Resolve(sgctx, req.Query, req.GroupID, profile)
		if err != nil {
			return fmt.Errorf("resolve seeds: %w", err)
		}
		pprNodes, err = h.store.PPR(sgctx, seedResult.SeedWeights, seedResult.Damping, pprTopK, req.GroupID)
		if err != nil {
			return fmt.Errorf("unified ppr: %w", err)
		}
		return nil
	})

	insuranceGroup, igctx := errgroup.WithContext(ctx)
	insuranceGroup.Go(func() error {
		var err error
		sentenceParagraphs, err = h.local.AnchorExpand(igctx, req.Query, req.GroupID)
		return err
	})

	seedErr := seedGroup.Wait()
	if err := insuranceGroup.Wait(); err != nil {
		return routes.Result{}, err
	}
	if seedErr != nil {
		if errors.Is(seedErr, apperr.ErrEmptySeedSet) {
			thoughts = append(thoughts, "seed resolution produced no seeds, falling back to sentence-vector evidence only")
		} else {
			return routes.Result{}, seedErr
		}
	}

	pprParagraphs, err := h.pprToParagraphs(ctx, req.GroupID, pprNodes)
	if err != nil {
		return routes.Result{}, fmt.Errorf("assemble ppr evidence: %w", err)
	}

	merged := mergeDedup(pprParagraphs, sentenceParagraphs)
	if len(merged) == 0 {
		thoughts = append(thoughts, "no evidence gathered from ppr or sentence search")
		return routes.Result{Thoughts: thoughts}, nil
	}

	if len(merged) > rerankTopN {
		merged = merged[:rerankTopN]
	}
	if req.CompetitiveRankingExpected {
		merged, err = h.rerank(ctx, req.Query, merged)
		if err != nil {
			return routes.Result{}, fmt.Errorf("rerank: %w", err)
		}
	}

	answer, citations, err := routes.Synthesise(ctx, h.llm, req.Query, merged, nil)
	if err != nil {
		return routes.Result{}, err
	}

	thoughts = append(thoughts, fmt.Sprintf("route_5 profile=%s damping=%.2f ppr_nodes=%d merged_paragraphs=%d", profile.Name, seedResult.Damping, len(pprNodes), len(merged)))

	return routes.Result{
		AnswerText: answer,
		Citations:  citations,
		Thoughts:   thoughts,
		Confidence: 1.0,
		Evidence:   routes.Evidence{Paragraphs: merged},
	}, nil
}

func (h *Handler) pprToParagraphs(ctx context.Context, groupID string, nodes []graphstore.ScoredNode) ([]routes.Paragraph, error) {
	var out []routes.Paragraph
	seenChunks := map[string]bool{}
	for _, n := range nodes {
		chunkIDs, err := h.store.ChunksMentioningEntity(ctx, groupID, n.NodeID)
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
				Score:       n.Score,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// mergeDedup unions a and b by ParagraphID, keeping the higher-scoring copy
// of a duplicate, and orders the result by score, then by ParagraphID.
func mergeDedup(a, b []routes.Paragraph) []routes.Paragraph {
	index := map[string]int{}
	out := make([]routes.Paragraph, 0, len(a)+len(b))
	for _, p := range append(append([]routes.Paragraph{}, a...), b...) {
		if i, ok := index[p.ParagraphID]; ok {
			if p.Score > out[i].Score {
				out[i] = p
			}
			continue
		}
		index[p.ParagraphID] = len(out)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ParagraphID < out[j].ParagraphID
	})
	return out
}

func (h *Handler) rerank(ctx context.Context, query string, paragraphs []routes.Paragraph) ([]routes.Paragraph, error) {
	passages := make([]embedgw.ScoredPassage, 0, len(paragraphs))
	texts := make(map[string]string, len(paragraphs))
	for _, p := range paragraphs {
		passages = append(passages, embedgw.ScoredPassage{ID: p.ParagraphID, Score: p.Score})
		texts[p.ParagraphID] = p.Text
	}

	scored, err := h.embed.Rerank(ctx, query, passages, texts)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]routes.Paragraph, len(paragraphs))
	for _, p := range paragraphs {
		byID[p.ParagraphID] = p
	}
	out := make([]routes.Paragraph, 0, len(scored))
	for _, s := range scored {
		p, ok := byID[s.ID]
		if !ok {
			continue
		}
		p.Score = s.Score
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
