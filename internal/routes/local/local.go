// Package local implements Route 2 — Skeleton-First Local Search (spec
// §4.4): sentence anchor, zero/low-hop graph expansion, paragraph
// deduplication, a heuristic rerank, and synthesis. No cross-encoder
// reranker: the bi-encoder is precise enough at sentence granularity (spec
// §4.4, "Why no cross-encoder reranker").
//
// AnchorExpand is exported so Route 3 (global MAP-REDUCE), Route 4 (DRIFT
// coverage-gap fill), and Route 5 (seed-independent insurance policy) can
// all reuse the identical anchor+expand logic rather than re-implementing
// it (spec §4.5 stage 3, §4.7 stage 3).
package local

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/config"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/routes"
)

const (
	anchorK       = 20
	expandHops    = 2
	expandDecay   = 0.8
	multiAnchorBoost     = 1.5
	lowConfidencePenalty = 0.5
	lowConfidenceCutoff  = 0.5
	topNParagraphs       = 10
)

// Handler implements routes.Route for Route 2.
type Handler struct {
	store graphstore.Store
	embed *embedgw.Gateway
	llm   *llmgw.Client
	flags *config.FlagStore
}

func New(store graphstore.Store, embed *embedgw.Gateway, llm *llmgw.Client, flags *config.FlagStore) *Handler {
	return &Handler{store: store, embed: embed, llm: llm, flags: flags}
}

func (h *Handler) Name() string { return "route_2" }

// ClassifyApplicable is true for every query of at least 3 bytes: Route 2 is the
// universal fallback every other route's evidence-merge stage leans on.
func (h *Handler) ClassifyApplicable(req routes.Request) bool {
	return len(req.Query) >= 3
}

func (h *Handler) CostEstimate(routes.Request) time.Duration { return 3 * time.Second }

func (h *Handler) Execute(ctx context.Context, req routes.Request) (routes.Result, error) {
	paragraphs, err := h.AnchorExpand(ctx, req.Query, req.GroupID)
	if err != nil {
		return routes.Result{}, fmt.Errorf("route_2 anchor+expand: %w", err)
	}
	if len(paragraphs) == 0 {
		return routes.Result{
			Thoughts: []string{"sentence search returned no anchors for this query"},
		}, nil
	}

	top := paragraphs
	if len(top) > topNParagraphs {
		top = top[:topNParagraphs]
	}

	answer, citations, err := routes.Synthesise(ctx, h.llm, req.Query, top, nil)
	if err != nil {
		return routes.Result{}, err
	}

	return routes.Result{
		AnswerText: answer,
		Citations:  citations,
		Thoughts:   []string{fmt.Sprintf("route_2 searched up to %d anchor sentences, kept %d paragraphs", anchorK, len(top))},
		Confidence: 1.0,
		Evidence:   routes.Evidence{Paragraphs: top},
	}, nil
}

// expandedSentence carries a decayed score alongside the node it came from.
type expandedSentence struct {
	sentence graphstore.Sentence
	score    float64
}

// AnchorExpand runs stages 1-4 of Route 2 (spec §4.4): anchor sentence
// search, graph expansion, paragraph deduplication, and heuristic rerank.
// Returns paragraphs ordered best-first.
func (h *Handler) AnchorExpand(ctx context.Context, query, groupID string) ([]routes.Paragraph, error) {
	vec, err := h.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := h.store.SearchVectors(ctx, "sentence_embeddings_v2", vec, anchorK, graphstore.VectorFilter{GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("anchor search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	flags := h.flags.Get()

	var mu sync.Mutex
	byID := map[string]*expandedSentence{}
	add := func(s graphstore.Sentence, score float64) {
		mu.Lock()
		defer mu.Unlock()
		if existing, ok := byID[s.ID]; !ok || score > existing.score {
			byID[s.ID] = &expandedSentence{sentence: s, score: score}
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(16)
	for _, hit := range hits {
		hit := hit
		group.Go(func() error {
			anchor, err := h.store.GetSentence(gctx, groupID, hit.NodeID)
			if err != nil {
				return nil // a dangling vector-index entry should not fail the whole route
			}
			add(anchor, hit.Score)

			if nexts, err := h.store.NextSentences(gctx, groupID, hit.NodeID, expandHops); err == nil {
				for _, n := range nexts {
					add(n, hit.Score*expandDecay)
				}
			}
			if prevs, err := h.store.PrevSentences(gctx, groupID, hit.NodeID, expandHops); err == nil {
				for _, n := range prevs {
					add(n, hit.Score*expandDecay)
				}
			}

			if flags.SkeletonGraphTraversalEnabled {
				edges, err := h.store.RelatedSentences(gctx, groupID, hit.NodeID, 1)
				if err == nil {
					for _, e := range edges {
						related, err := h.store.GetSentence(gctx, groupID, e.To)
						if err != nil {
							continue
						}
						add(related, hit.Score*e.Similarity*expandDecay)
					}
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return groupAndRerank(byID), nil
}

// groupAndRerank implements spec §4.4 stages 3-4: collapse by
// parent_paragraph_id keeping the best sentence's score, then rerank with
// the multi-anchor boost and low-confidence penalty.
func groupAndRerank(byID map[string]*expandedSentence) []routes.Paragraph {
	type acc struct {
		paragraphID string
		chunkID     string
		sectionPath string
		text        string
		sentenceIDs []string
		scores      []float64
		minConf     float64
	}
	paragraphs := map[string]*acc{}
	for _, es := range byID {
		s := es.sentence
		pid := s.ParagraphID
		if pid == "" {
			pid = s.ID
		}
		p, ok := paragraphs[pid]
		if !ok {
			p = &acc{paragraphID: pid, chunkID: s.ChunkID, sectionPath: s.SectionPath, text: s.ParentParagraphText, minConf: s.Confidence}
			paragraphs[pid] = p
		}
		if s.Confidence < p.minConf {
			p.minConf = s.Confidence
		}
		p.sentenceIDs = append(p.sentenceIDs, s.ID)
		p.scores = append(p.scores, es.score)
	}

	out := make([]routes.Paragraph, 0, len(paragraphs))
	for _, p := range paragraphs {
		score := p.scores[0]
		for _, sc := range p.scores[1:] {
			if sc > score {
				score = sc
			}
		}
		if len(p.scores) > 1 {
			score += multiAnchorBoost
		}
		if p.minConf < lowConfidenceCutoff {
			score -= lowConfidencePenalty
		}
		sort.Strings(p.sentenceIDs)
		out = append(out, routes.Paragraph{
			ParagraphID: p.paragraphID,
			SectionPath: p.sectionPath,
			Text:        p.text,
			SentenceIDs: p.sentenceIDs,
			Score:       score,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ParagraphID < out[j].ParagraphID
	})
	return out
}
