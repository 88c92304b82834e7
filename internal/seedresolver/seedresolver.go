// Package seedresolver implements the Seed Resolver (spec §4.3): translates
// a user query into a weighted teleportation vector over entity nodes, by
// combining three independently-computed tiers of seed entities.
package seedresolver

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/skeinframe/graphrag/internal/apperr"
	"github.com/skeinframe/graphrag/internal/embedgw"
	"github.com/skeinframe/graphrag/internal/graphstore"
	"github.com/skeinframe/graphrag/internal/llmgw"
	"github.com/skeinframe/graphrag/internal/textutil"
)

const (
	t1SemanticThreshold = 0.75
	t2SentenceTopK      = 30
	t2MinHitsPerSection = 2
	t3TopCommunities    = 3
)

// WeightProfile is one row of spec §4.3's weight-profile table.
type WeightProfile struct {
	Name string
	W1   float64
	W2   float64
	W3   float64
}

// Profiles are the five named weight profiles the orchestrator selects from
// (spec §4.3).
var Profiles = map[string]WeightProfile{
	"fact_extraction":      {Name: "fact_extraction", W1: 0.6, W2: 0.3, W3: 0.1},
	"clause_analysis":      {Name: "clause_analysis", W1: 0.3, W2: 0.5, W3: 0.2},
	"cross_doc_comparison": {Name: "cross_doc_comparison", W1: 0.2, W2: 0.3, W3: 0.5},
	"thematic_survey":      {Name: "thematic_survey", W1: 0.1, W2: 0.2, W3: 0.7},
	"multi_hop":            {Name: "multi_hop", W1: 0.5, W2: 0.3, W3: 0.2},
}

// Result is the Seed Resolver's output: a normalised teleportation vector
// and the damping factor derived from it.
type Result struct {
	SeedWeights map[string]float64
	Damping     float64
	Profile     WeightProfile
}

// Resolver computes seeds for a query.
type Resolver struct {
	store graphstore.Store
	embed *embedgw.Gateway
	llm   *llmgw.Client
}

// New builds a Resolver over the given collaborators.
func New(store graphstore.Store, embed *embedgw.Gateway, llm *llmgw.Client) *Resolver {
	return &Resolver{store: store, embed: embed, llm: llm}
}

const nerSystemPrompt = `Extract every named entity surface form (people, organisations, money amounts, addresses, products) mentioned in the query. Respond with JSON only: {"entities": ["surface form", ...]}.`

type nerResult struct {
	Entities []string `json:"entities"`
}

// Resolve runs T1/T2/T3 in parallel and combines them per spec §4.3's weight
// composition and damping derivation rules.
func (r *Resolver) Resolve(ctx context.Context, query, groupID string, profile WeightProfile) (Result, error) {
	var t1, t2, t3 map[string]float64
	var err1, err2, err3 error

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { t1, err1 = r.resolveT1(gctx, query, groupID); return nil })
	group.Go(func() error { t2, err2 = r.resolveT2(gctx, query, groupID); return nil })
	group.Go(func() error { t3, err3 = r.resolveT3(gctx, query, groupID); return nil })
	_ = group.Wait()

	if err1 != nil {
		return Result{}, fmt.Errorf("t1 entity seeds: %w", err1)
	}
	if err2 != nil {
		return Result{}, fmt.Errorf("t2 structural seeds: %w", err2)
	}
	if err3 != nil {
		return Result{}, fmt.Errorf("t3 thematic seeds: %w", err3)
	}

	// T2 is deduplicated against T1, and T3 against T1 ∪ T2.
	for id := range t1 {
		delete(t2, id)
		delete(t3, id)
	}
	for id := range t2 {
		delete(t3, id)
	}

	w1, w2, w3 := profile.W1, profile.W2, profile.W3
	if len(t2) == 0 {
		// Edge case (spec §4.3): no structural anchors found, redistribute.
		w3 += w2
		w2 = 0
	}

	combined := map[string]float64{}
	addShare(combined, t1, w1)
	addShare(combined, t2, w2)
	addShare(combined, t3, w3)

	if len(combined) == 0 {
		return Result{}, apperr.New(apperr.KindEmptySeedSet, "seed_resolver", "", apperr.ErrEmptySeedSet)
	}

	normalise(combined)
	damping := 0.70 + 0.20*w1

	return Result{SeedWeights: combined, Damping: damping, Profile: profile}, nil
}

// addShare distributes weight equally across tier's entities and adds each
// entity's share into combined (spec §4.3, "Each tier's entities are given
// equal share of that tier's budget").
func addShare(combined map[string]float64, tier map[string]float64, weight float64) {
	if len(tier) == 0 || weight == 0 {
		return
	}
	share := weight / float64(len(tier))
	for id := range tier {
		combined[id] += share
	}
}

func normalise(weights map[string]float64) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return
	}
	for id := range weights {
		weights[id] /= total
	}
}

// ResolveEntitiesOnly exposes the T1 tier in isolation (exact/alias/fuzzy/
// semantic resolution against a single piece of text), used by Route 4's
// per-subquery NER+resolution stage (spec §4.6 stage 2) so that logic is
// never duplicated between the Seed Resolver and DRIFT.
func (r *Resolver) ResolveEntitiesOnly(ctx context.Context, text, groupID string) (map[string]float64, error) {
	return r.resolveT1(ctx, text, groupID)
}

// resolveT1 runs NER on the given text and resolves each surface form
// against the Entity table via exact, alias, fuzzy, then semantic match
// (spec §4.3, tier 1). Resolve passes it the original query. Route 4 also
// runs it on decomposed sub-questions through ResolveEntitiesOnly and
// filters those results against the original query's entities
// (drift.unionSubqueryEntities).
func (r *Resolver) resolveT1(ctx context.Context, query, groupID string) (map[string]float64, error) {
	var ner nerResult
	if err := r.llm.CompleteJSON(ctx, nerSystemPrompt, query, &ner); err != nil {
		return nil, fmt.Errorf("ner query: %w", err)
	}
	if len(ner.Entities) == 0 {
		return nil, nil
	}

	entities, err := r.store.EntitiesInGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	matched := map[string]bool{}
	for _, surface := range ner.Entities {
		id, ok := resolveSurfaceForm(ctx, r, surface, groupID, entities)
		if ok {
			matched[id] = true
		}
	}

	if len(matched) > 8 {
		// Cap at 8 per spec §4.3 ("Yields 0-8 entities") by keeping the first 8
		// in deterministic (sorted) order.
		ids := make([]string, 0, len(matched))
		for id := range matched {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		matched = map[string]bool{}
		for _, id := range ids[:8] {
			matched[id] = true
		}
	}

	out := make(map[string]float64, len(matched))
	for id := range matched {
		out[id] = 1
	}
	return out, nil
}

func resolveSurfaceForm(ctx context.Context, r *Resolver, surface, groupID string, entities []graphstore.Entity) (string, bool) {
	norm := textutil.Normalize(surface)
	for _, e := range entities {
		if textutil.Normalize(e.Canonical) == norm {
			return e.ID, true
		}
		for _, alias := range e.Aliases {
			if alias == norm {
				return e.ID, true
			}
		}
	}
	for _, e := range entities {
		if textutil.FuzzyMatch(surface, e.Canonical) {
			return e.ID, true
		}
	}

	vectors, err := r.embed.EmbedContextual(ctx, "", []string{surface})
	if err != nil || len(vectors) == 0 {
		return "", false
	}
	hits, err := r.store.SearchVectors(ctx, "entity_embedding_v2", vectors[0], 1, graphstore.VectorFilter{GroupID: groupID})
	if err != nil || len(hits) == 0 {
		return "", false
	}
	if hits[0].Score >= t1SemanticThreshold {
		return hits[0].NodeID, true
	}
	return "", false
}

// resolveT2 runs sentence vector search, aggregates hits by section_path,
// and enumerates entities mentioned in every anchor section (spec §4.3,
// tier 2). Resolve removes T1's entities from the result.
func (r *Resolver) resolveT2(ctx context.Context, query, groupID string) (map[string]float64, error) {
	vec, err := r.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.store.SearchVectors(ctx, "sentence_embeddings_v2", vec, t2SentenceTopK, graphstore.VectorFilter{GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("search sentences: %w", err)
	}

	hitsBySection := map[string]int{}
	for _, hit := range hits {
		s, err := r.store.GetSentence(ctx, groupID, hit.NodeID)
		if err != nil {
			continue
		}
		hitsBySection[s.SectionPath]++
	}

	out := map[string]float64{}
	for section, count := range hitsBySection {
		if count < t2MinHitsPerSection {
			continue
		}
		entityIDs, err := r.store.EntitiesMentionedInSection(ctx, groupID, section)
		if err != nil {
			continue
		}
		for _, id := range entityIDs {
			out[id] = 1
		}
	}
	return out, nil
}

// resolveT3 cosine-matches the query against community summaries and takes
// the top-m communities' member entities (spec §4.3, tier 3).
func (r *Resolver) resolveT3(ctx context.Context, query, groupID string) (map[string]float64, error) {
	vec, err := r.embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.store.SearchVectors(ctx, "community_summary_embedding_v2", vec, t3TopCommunities, graphstore.VectorFilter{GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("search communities: %w", err)
	}

	out := map[string]float64{}
	for _, hit := range hits {
		c, err := r.store.GetCommunity(ctx, groupID, hit.NodeID)
		if err != nil {
			continue
		}
		for _, id := range c.MemberEntityIDs {
			out[id] = 1
		}
	}
	return out, nil
}
