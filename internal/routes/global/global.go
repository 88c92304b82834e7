// Package global implements Route 3 — Global MAP-REDUCE Search (spec §4.5):
// community matching, parallel per-community claim extraction (MAP), and a
// REDUCE synthesis over claims merged with Route 2's sentence evidence.
package global

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/routes"
	"github.com/skeinframe/graphrag/internal/routes/local"
)

const (
	topMCommunities       = 10
	maxClaimsPerCommunity = 3
	sentenceEvidenceTopN  = 10
)

const mapSystemPrompt = `Given this community summary and this query, produce up to 3 claim statements with supporting entity ids. Respond with JSON only: {"claims": [{"text": "...", "entity_ids": ["..."], "relevance": 0.0-1.0}, ...]}.`

type mapResult struct {
	Claims []struct {
		Text      string   `json:"text"`
		EntityIDs []string `json:"entity_ids"`
		Relevance float64  `json:"relevance"`
	} `json:"claims"`
}

// Handler implements routes.Route for Route 3.
type Handler struct {
	store graphstore.Store
	embed *embedgw.Gateway
	llm   *llmgw.Client
	flags *config.FlagStore
	local *local.Handler
}

func New(store graphstore.Store, embed *embedgw.Gateway, llm *llmgw.Client, flags *config.FlagStore) *Handler {
	return &Handler{store: store, embed: embed, llm: llm, flags: flags, local: local.New(store, embed, llm, flags)}
}

func (h *Handler) Name() string { return "route_3" }

// ClassifyApplicable is intended for corpus-wide thematic questions; the
// orchestrator's classifier decides this, so the route itself only rejects
// the trivially invalid case.
func (h *Handler) ClassifyApplicable(req routes.Request) bool {
	return len(req.Query) >= 3
}

func (h *Handler) CostEstimate(routes.Request) time.Duration { return 15 * time.Second }

func (h *Handler) Execute(ctx context.Context, req routes.Request) (routes.Result, error) {
	vec, err := h.embed.EmbedQuery(ctx, req.Query)
	if err != nil {
		return routes.Result{}, fmt.Errorf("embed query: %w", err)
	}

	hits, err := h.store.SearchVectors(ctx, "community_summary_embedding_v2", vec, topMCommunities, graphstore.VectorFilter{GroupID: req.GroupID})
	if err != nil {
		return routes.Result{}, fmt.Errorf("match communities: %w", err)
	}

	var claims []routes.Claim
	var paragraphs []routes.Paragraph

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		claims, err = h.mapClaims(gctx, req.GroupID, req.Query, hits)
		return err
	})
	group.Go(func() error {
		all, err := h.local.AnchorExpand(gctx, req.Query, req.GroupID)
		if err != nil {
			return fmt.Errorf("sentence evidence: %w", err)
		}
		if len(all) > sentenceEvidenceTopN {
			all = all[:sentenceEvidenceTopN]
		}
		paragraphs = all
		return nil
	})
	if err := group.Wait(); err != nil {
		return routes.Result{}, err
	}

	if len(claims) == 0 && len(paragraphs) == 0 {
		return routes.Result{
			Thoughts: []string{"no communities matched and sentence search returned nothing"},
		}, nil
	}

	answer, citations, err := routes.Synthesise(ctx, h.llm, req.Query, paragraphs, claims)
	if err != nil {
		return routes.Result{}, err
	}

	return routes.Result{
		AnswerText: answer,
		Citations:  citations,
		Thoughts:   []string{fmt.Sprintf("route_3 matched %d communities, %d claims, %d sentence paragraphs", len(hits), len(claims), len(paragraphs))},
		Confidence: 1.0,
		Evidence:   routes.Evidence{Paragraphs: paragraphs, Claims: claims},
	}, nil
}

// mapClaims runs the MAP stage: one parallel LLM call per matched
// community (spec §4.5 stage 2).
func (h *Handler) mapClaims(ctx context.Context, groupID, query string, hits []graphstore.ScoredNode) ([]routes.Claim, error) {
	var mu sync.Mutex
	var claims []routes.Claim

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, hit := range hits {
		hit := hit
		group.Go(func() error {
			community, err := h.store.GetCommunity(gctx, groupID, hit.NodeID)
			if err != nil {
				return nil
			}
			prompt := fmt.Sprintf("Community summary: %s\n\nQuery: %s", community.Summary, query)
			var result mapResult
			if err := h.llm.CompleteJSON(gctx, mapSystemPrompt, prompt, &result); err != nil {
				return fmt.Errorf("map claims for community %s: %w", community.ID, err)
			}
			n := result.Claims
			if len(n) > maxClaimsPerCommunity {
				n = n[:maxClaimsPerCommunity]
			}
			mu.Lock()
			for _, c := range n {
				claims = append(claims, routes.Claim{
					CommunityID: community.ID,
					Text:        c.Text,
					EntityIDs:   c.EntityIDs,
					Relevance:   c.Relevance,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return claims, nil
}
